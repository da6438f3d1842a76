package classifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docharvest/internal/llm"
)

type stubLLM struct {
	fields  map[string]any
	err     error
	calls   int
	lastReq llm.Request
}

func (s *stubLLM) CompleteJSON(ctx context.Context, req llm.Request) (map[string]any, error) {
	s.calls++
	s.lastReq = req
	return s.fields, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeuristicType(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"pump-installation-guide.pdf", TypeInstall},
		{"series90_IOM.pdf", TypeOperation},
		{"O&M_rev3.pdf", TypeOperation},
		{"Valve-Submittal.pdf", TypeSubmittal},
		{"acme_spec_sheet.pdf", TypeSpecSheet},
		{"motor-datasheet.pdf", TypeTechData},
		{"motor-data-sheet.pdf", TypeTechData},
		{"XJ200_TDS.pdf", TypeTechData},
		{"XJ200_PDS.pdf", TypeProductData},
		{"2024-catalog.pdf", TypeMarketing},
		{"company-brochure.pdf", TypeMarketing},
		{"mystery.pdf", TypeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HeuristicType(tc.filename), "filename %s", tc.filename)
	}
}

func TestIsTechnical(t *testing.T) {
	assert.True(t, IsTechnical(TypeProductData))
	assert.True(t, IsTechnical(TypeSpecSheet))
	assert.True(t, IsTechnical(TypeSubmittal))
	assert.True(t, IsTechnical(TypeTechData))

	assert.False(t, IsTechnical(TypeInstall))
	assert.False(t, IsTechnical(TypeOperation))
	assert.False(t, IsTechnical(TypeEngineering))
	assert.False(t, IsTechnical(TypeMarketing))
	assert.False(t, IsTechnical(TypeUnknown))
}

func TestValidType(t *testing.T) {
	for _, dt := range []string{
		TypeProductData, TypeSpecSheet, TypeSubmittal, TypeTechData,
		TypeInstall, TypeOperation, TypeEngineering, TypeMarketing, TypeUnknown,
	} {
		assert.True(t, ValidType(dt), "type %s", dt)
	}
	assert.False(t, ValidType("Engineering diagram"), "vocabulary is case sensitive")
	assert.False(t, ValidType(""))
}

func TestClassifyUsesLLMWhenConfident(t *testing.T) {
	stub := &stubLLM{fields: map[string]any{
		"document_type": TypeSubmittal,
		"confidence":    0.92,
	}}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "whatever.pdf", "SUBMITTAL DATA for model X")
	assert.Equal(t, TypeSubmittal, d.DocumentType)
	assert.True(t, d.IsTechnical)
	assert.Equal(t, "llm", d.Source)
	assert.Equal(t, 1, stub.calls)
}

func TestClassifyFallsBackOnLowConfidence(t *testing.T) {
	stub := &stubLLM{fields: map[string]any{
		"document_type": TypeMarketing,
		"confidence":    0.3,
	}}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "pump_spec.pdf", "some text")
	assert.Equal(t, TypeSpecSheet, d.DocumentType, "low confidence must defer to filename")
	assert.Equal(t, "heuristic", d.Source)
}

func TestClassifyFallsBackOnError(t *testing.T) {
	stub := &stubLLM{err: errors.New("upstream 500")}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "unit-submittal.pdf", "text")
	assert.Equal(t, TypeSubmittal, d.DocumentType)
	assert.Equal(t, "heuristic", d.Source)
}

func TestClassifyFallsBackOnQuota(t *testing.T) {
	stub := &stubLLM{err: llm.ErrQuotaExceeded}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "catalog2024.pdf", "text")
	assert.Equal(t, TypeMarketing, d.DocumentType)
	assert.False(t, d.IsTechnical)
}

func TestClassifyFallsBackOnInvalidType(t *testing.T) {
	stub := &stubLLM{fields: map[string]any{
		"document_type": "Weird Novel Type",
		"confidence":    0.99,
	}}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "thing_datasheet.pdf", "text")
	assert.Equal(t, TypeTechData, d.DocumentType)
	assert.Equal(t, "heuristic", d.Source)
}

func TestClassifyNoTextUsesFilenameOnlyPrompt(t *testing.T) {
	stub := &stubLLM{fields: map[string]any{
		"document_type": TypeSubmittal,
		"confidence":    0.9,
	}}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "scan_submittal.pdf", "")
	require.Equal(t, 1, stub.calls, "image-only pdf must still hit the LLM")
	assert.Equal(t, "Filename: scan_submittal.pdf", stub.lastReq.User)
	assert.Equal(t, TypeSubmittal, d.DocumentType)
	assert.Equal(t, "llm", d.Source)
}

func TestClassifyEngineeringDiagramAccepted(t *testing.T) {
	stub := &stubLLM{fields: map[string]any{
		"document_type": TypeEngineering,
		"confidence":    0.88,
	}}
	c := New(stub, "openai", time.Second, quietLogger())

	d := c.Classify(context.Background(), "assembly-drawing.pdf", "SECTION A-A")
	assert.Equal(t, TypeEngineering, d.DocumentType)
	assert.Equal(t, "llm", d.Source)
	assert.False(t, d.IsTechnical, "diagrams are recorded but never uploaded")
}

func TestClassifyNilClient(t *testing.T) {
	c := New(nil, "", time.Second, quietLogger())
	d := c.Classify(context.Background(), "x_pds.pdf", "text")
	assert.Equal(t, TypeProductData, d.DocumentType)
	assert.True(t, d.IsTechnical)
}
