package http

import (
	"errors"
	"strconv"

	"pipeline_server/core/domain"
	"pipeline_server/core/service/registry"
	"pipeline_server/core/service/sync"

	"github.com/gofiber/fiber/v2"
)

// AccountHandler exposes account lifecycle operations for operators.
type AccountHandler struct {
	registry  *registry.Service
	scheduler *sync.Scheduler
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(reg *registry.Service, scheduler *sync.Scheduler) *AccountHandler {
	return &AccountHandler{
		registry:  reg,
		scheduler: scheduler,
	}
}

// Register registers account routes.
func (h *AccountHandler) Register(router fiber.Router) {
	accounts := router.Group("/accounts")

	accounts.Get("/", h.ListAccounts)
	accounts.Get("/:id", h.GetAccount)
	accounts.Post("/:id/pause", h.PauseAccount)
	accounts.Post("/:id/resume", h.ResumeAccount)
	accounts.Post("/:id/sync", h.TriggerSync)
}

// ListAccounts returns all accounts eligible for scheduling.
// GET /api/accounts
func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	accounts, err := h.registry.ListActiveAccounts(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

// GetAccount returns one account.
// GET /api/accounts/:id
func (h *AccountHandler) GetAccount(c *fiber.Ctx) error {
	id, err := parseAccountID(c)
	if err != nil {
		return err
	}

	account, err := h.registry.GetAccount(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Account not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(account)
}

// PauseAccount takes an account out of scheduling. In-flight batches finish;
// the cursor is kept.
// POST /api/accounts/:id/pause
func (h *AccountHandler) PauseAccount(c *fiber.Ctx) error {
	id, err := parseAccountID(c)
	if err != nil {
		return err
	}

	if err := h.registry.Pause(c.Context(), id); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Account not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{"status": "paused", "account_id": id})
}

// ResumeAccount puts an account back into scheduling from its saved cursor.
// POST /api/accounts/:id/resume
func (h *AccountHandler) ResumeAccount(c *fiber.Ctx) error {
	id, err := parseAccountID(c)
	if err != nil {
		return err
	}

	if err := h.registry.Resume(c.Context(), id); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Account not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{"status": "active", "account_id": id})
}

// TriggerSync asks the scheduler to sync one account now instead of waiting
// for the next sweep.
// POST /api/accounts/:id/sync
func (h *AccountHandler) TriggerSync(c *fiber.Ctx) error {
	id, err := parseAccountID(c)
	if err != nil {
		return err
	}

	if h.scheduler == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Sync scheduler not running in this process")
	}

	account, err := h.registry.GetAccount(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Account not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if !account.IsSchedulable() {
		return fiber.NewError(fiber.StatusConflict, "Account is not schedulable")
	}

	if !h.scheduler.TriggerAccount(c.Context(), account.ID) {
		return fiber.NewError(fiber.StatusConflict, "Sync already running or backing off")
	}

	return c.JSON(fiber.Map{"status": "queued", "account_id": id})
}

func parseAccountID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid account ID")
	}
	return id, nil
}
