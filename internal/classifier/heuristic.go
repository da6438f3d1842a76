package classifier

import "strings"

// Document type vocabulary. Only the technical subset is uploaded;
// everything else is recorded and dropped.
const (
	TypeProductData = "Product Data Sheet"
	TypeSpecSheet   = "Specification Sheet"
	TypeSubmittal   = "Submittal Sheet"
	TypeTechData    = "Technical Data Sheet"
	TypeInstall     = "Installation Manual"
	TypeOperation   = "Operation & Maintenance"
	TypeEngineering = "Engineering Diagram"
	TypeMarketing   = "Marketing"
	TypeUnknown     = "Unknown"
)

// technicalTypes is the upload allow-list. The filter is deliberately
// precision-first: an Unknown never ships to SharePoint.
var technicalTypes = map[string]bool{
	TypeProductData: true,
	TypeSpecSheet:   true,
	TypeSubmittal:   true,
	TypeTechData:    true,
}

// IsTechnical reports whether a document type is on the upload
// allow-list.
func IsTechnical(docType string) bool {
	return technicalTypes[docType]
}

// ValidType reports whether the string is part of the vocabulary. LLM
// replies outside it are discarded in favor of the heuristic.
func ValidType(docType string) bool {
	switch docType {
	case TypeProductData, TypeSpecSheet, TypeSubmittal, TypeTechData,
		TypeInstall, TypeOperation, TypeEngineering, TypeMarketing, TypeUnknown:
		return true
	}
	return false
}

// filenameRule maps a filename token to a type. Rules are checked in
// order; the first match wins, so the more specific tokens sit first.
type filenameRule struct {
	token   string
	docType string
}

var filenameRules = []filenameRule{
	{"install", TypeInstall},
	{"iom", TypeOperation},
	{"o&m", TypeOperation},
	{"submittal", TypeSubmittal},
	{"datasheet", TypeTechData},
	{"data-sheet", TypeTechData},
	{"data_sheet", TypeTechData},
	{"tds", TypeTechData},
	{"pds", TypeProductData},
	{"spec", TypeSpecSheet},
	{"catalog", TypeMarketing},
	{"brochure", TypeMarketing},
}

// HeuristicType classifies by filename alone. It is the fallback when
// the LLM is unavailable, over quota, or not confident.
func HeuristicType(filename string) string {
	name := strings.ToLower(filename)
	for _, r := range filenameRules {
		if strings.Contains(name, r.token) {
			return r.docType
		}
	}
	return TypeUnknown
}
