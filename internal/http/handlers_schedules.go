package http

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docharvest/internal/model"
)

func listSchedulesHandler(c *fiber.Ctx) error {
	schedules, err := storeFrom(c).ListSchedules(c.Context())
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "schedule query failed: %v", err)
	}
	if schedules == nil {
		schedules = []*model.Schedule{}
	}
	return c.JSON(schedules)
}

func scheduleDetailHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "invalid schedule id %q", c.Params("id"))
	}
	sc, err := storeFrom(c).GetSchedule(c.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return detail(c, fiber.StatusNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "schedule query failed: %v", err)
	}
	return c.JSON(sc)
}

func deleteScheduleHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return detail(c, fiber.StatusBadRequest, "invalid schedule id %q", c.Params("id"))
	}
	deleted, err := storeFrom(c).DeleteSchedule(c.Context(), id)
	if err != nil {
		return detail(c, fiber.StatusInternalServerError, "schedule delete failed: %v", err)
	}
	if !deleted {
		return detail(c, fiber.StatusNotFound, "schedule %s not found", id)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
