// Package http exposes the terminal's screen boundary: a thin fiber layer
// that translates screen actions into service calls and structured errors
// into JSON envelopes the screens render.
package http

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/ledger"
	"github.com/dumu-tech/mesa-terminal/internal/middleware"
	"github.com/dumu-tech/mesa-terminal/internal/occupancy"
	"github.com/dumu-tech/mesa-terminal/internal/service"
	"github.com/dumu-tech/mesa-terminal/internal/settlement"
)

// Handler handles HTTP requests from the terminal screens
type Handler struct {
	tables *service.TableService
	orders *service.OrderService
}

// NewHandler creates a new HTTP handler
func NewHandler(tables *service.TableService, orders *service.OrderService) *Handler {
	return &Handler{tables: tables, orders: orders}
}

// RegisterRoutes mounts the screen API under /api.
func (h *Handler) RegisterRoutes(app *fiber.App, auth fiber.Handler) {
	api := app.Group("/api", auth)

	api.Get("/tables", h.ListTables)
	api.Post("/tables/refresh", h.RefreshTables)
	api.Post("/tables/:tableID/open", h.OpenTable)

	api.Get("/operations/:operationID", h.GetOperation)
	api.Post("/operations/:operationID/lines", h.AddItems)
	api.Post("/operations/:operationID/lines/:lineID/cancel", h.CancelLine)
	api.Post("/operations/:operationID/lines/:lineID/split", h.SplitLine)
	api.Post("/operations/:operationID/lines/:lineID/merge", h.MergeLine)
	api.Post("/operations/:operationID/lines/:lineID/merge-all", h.MergeAllLines)
	api.Post("/operations/:operationID/bill", h.IssueBill)
	api.Get("/operations/:operationID/bill.pdf", h.ExportBill)
	api.Post("/operations/:operationID/transfers", h.TransferLines)
	api.Post("/operations/:operationID/change-table", h.ChangeTable)
	api.Post("/operations/:operationID/change-waiter", h.ChangeWaiter)
	api.Post("/operations/:operationID/settlements", h.Settle)
	api.Post("/operations/:operationID/cancel", h.CancelOperation)
	api.Get("/operations/:operationID/activity", h.Activity)
}

// ListTables returns the current table board.
func (h *Handler) ListTables(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tables": h.tables.Tables().All()})
}

// RefreshTables forces a full snapshot fetch from the remote API.
func (h *Handler) RefreshTables(c *fiber.Ctx) error {
	if err := h.tables.Refresh(c.Context()); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"tables": h.tables.Tables().All()})
}

// OpenTable creates an operation on an available table.
func (h *Handler) OpenTable(c *fiber.Ctx) error {
	var req struct {
		Lines []core.NewLine `json:"lines"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	staff := middleware.StaffFromContext(c)
	op, err := h.orders.OpenTable(c.Context(), c.Params("tableID"), staff, req.Lines)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"operation": op})
}

// GetOperation returns the local ledger view of an operation.
func (h *Handler) GetOperation(c *fiber.Ctx) error {
	led, err := h.orders.Ledger(c.Context(), c.Params("operationID"))
	if err != nil {
		return writeError(c, err)
	}

	lines := led.Lines()
	remaining := make(map[string]int, len(lines))
	for _, line := range lines {
		remaining[line.ID] = led.Remaining(line.ID)
	}
	return c.JSON(fiber.Map{
		"operation_id": led.OperationID(),
		"status":       led.Status(),
		"lines":        lines,
		"remaining":    remaining,
	})
}

// AddItems appends products to an operation.
func (h *Handler) AddItems(c *fiber.Ctx) error {
	var req struct {
		Lines       []core.NewLine `json:"lines"`
		OverridePIN string         `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Lines) == 0 {
		return badRequest(c, "at least one line is required")
	}

	staff := middleware.StaffFromContext(c)
	if err := h.orders.AddItems(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.Lines); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// CancelLine cancels all or part of a line's quantity.
func (h *Handler) CancelLine(c *fiber.Ctx) error {
	var req struct {
		Quantity    int    `json:"quantity"`
		OverridePIN string `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Quantity <= 0 {
		return badRequest(c, "quantity must be positive")
	}

	staff := middleware.StaffFromContext(c)
	err := h.orders.CancelLine(c.Context(), c.Params("operationID"), staff, req.OverridePIN, c.Params("lineID"), req.Quantity)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// SplitLine carves one unit off a multi-quantity line.
func (h *Handler) SplitLine(c *fiber.Ctx) error {
	var req struct {
		OverridePIN string `json:"override_pin"`
	}
	_ = c.BodyParser(&req)

	staff := middleware.StaffFromContext(c)
	derived, err := h.orders.SplitLine(c.Context(), c.Params("operationID"), staff, req.OverridePIN, c.Params("lineID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"line": derived})
}

// MergeLine returns a derived line to its origin.
func (h *Handler) MergeLine(c *fiber.Ctx) error {
	var req struct {
		OverridePIN string `json:"override_pin"`
	}
	_ = c.BodyParser(&req)

	staff := middleware.StaffFromContext(c)
	if err := h.orders.MergeLine(c.Context(), c.Params("operationID"), staff, req.OverridePIN, c.Params("lineID")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// MergeAllLines merges every outstanding split of an origin line.
func (h *Handler) MergeAllLines(c *fiber.Ctx) error {
	var req struct {
		OverridePIN string `json:"override_pin"`
	}
	_ = c.BodyParser(&req)

	staff := middleware.StaffFromContext(c)
	if err := h.orders.MergeAllLines(c.Context(), c.Params("operationID"), staff, req.OverridePIN, c.Params("lineID")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// IssueBill requests a provisional bill and moves the table to TO_PAY.
func (h *Handler) IssueBill(c *fiber.Ctx) error {
	var req struct {
		LineIDs     []string `json:"line_ids"`
		OverridePIN string   `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	staff := middleware.StaffFromContext(c)
	if err := h.orders.IssueBill(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.LineIDs); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// ExportBill renders the current payable view as a PDF for printing.
func (h *Handler) ExportBill(c *fiber.Ctx) error {
	staff := middleware.StaffFromContext(c)
	pdfBytes, filename, err := h.orders.ExportBill(c.Context(), c.Params("operationID"), staff)
	if err != nil {
		return writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Send(pdfBytes)
}

// TransferLines moves selected lines to another table.
func (h *Handler) TransferLines(c *fiber.Ctx) error {
	var req struct {
		LineIDs     []string `json:"line_ids"`
		ToTableID   string   `json:"to_table_id"`
		OverridePIN string   `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.LineIDs) == 0 || req.ToTableID == "" {
		return badRequest(c, "line_ids and to_table_id are required")
	}

	staff := middleware.StaffFromContext(c)
	err := h.orders.TransferLines(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.LineIDs, req.ToTableID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// ChangeTable moves the whole operation to another table.
func (h *Handler) ChangeTable(c *fiber.Ctx) error {
	var req struct {
		ToTableID   string `json:"to_table_id"`
		OverridePIN string `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ToTableID == "" {
		return badRequest(c, "to_table_id is required")
	}

	staff := middleware.StaffFromContext(c)
	if err := h.orders.ChangeTable(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.ToTableID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// ChangeWaiter reassigns the operation to another waiter.
func (h *Handler) ChangeWaiter(c *fiber.Ctx) error {
	var req struct {
		Waiter      core.Staff `json:"waiter"`
		OverridePIN string     `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Waiter.ID == "" {
		return badRequest(c, "waiter is required")
	}

	staff := middleware.StaffFromContext(c)
	if err := h.orders.ChangeWaiter(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.Waiter); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// Settle submits a settlement for the selected lines.
func (h *Handler) Settle(c *fiber.Ctx) error {
	var req struct {
		LineIDs     []string       `json:"line_ids"`
		Payments    []core.Payment `json:"payments"`
		OverridePIN string         `json:"override_pin"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	staff := middleware.StaffFromContext(c)
	result, err := h.orders.Settle(c.Context(), c.Params("operationID"), staff, req.OverridePIN, req.LineIDs, req.Payments)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"message":       result.Message,
		"partial":       result.Plan.Partial,
		"subtotal":      result.Plan.Subtotal,
		"tax_amount":    result.Plan.TaxAmount,
		"payable_total": result.Plan.PayableTotal,
	})
}

// CancelOperation cancels the whole operation.
func (h *Handler) CancelOperation(c *fiber.Ctx) error {
	var req struct {
		OverridePIN string `json:"override_pin"`
	}
	_ = c.BodyParser(&req)

	staff := middleware.StaffFromContext(c)
	if err := h.orders.CancelOperation(c.Context(), c.Params("operationID"), staff, req.OverridePIN); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// Activity returns the terminal-local audit trail for an operation.
func (h *Handler) Activity(c *fiber.Ctx) error {
	entries, err := h.orders.Activity(c.Context(), c.Params("operationID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"activity": entries})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// writeError maps service errors onto HTTP statuses: guard denials to 403,
// validation failures to 422, conflicts with remote or in-flight state to
// 409, and everything else to 502 as a remote API failure.
func writeError(c *fiber.Ctx, err error) error {
	var denied *service.AccessDeniedError
	if errors.As(err, &denied) {
		return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": denied.Error(), "reason": denied.Reason})
	}

	var mismatch *settlement.TenderMismatchError
	if errors.As(err, &mismatch) {
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":      mismatch.Error(),
			"difference": mismatch.Difference,
		})
	}

	var rejected *settlement.RemoteRejectionError
	if errors.As(err, &rejected) {
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": rejected.Error()})
	}

	switch {
	case errors.Is(err, settlement.ErrSettlementInFlight):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrLineNotFound):
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrSplitQuantity),
		errors.Is(err, ledger.ErrSplitDerived),
		errors.Is(err, ledger.ErrNotDerived),
		errors.Is(err, ledger.ErrImmutableLine),
		errors.Is(err, settlement.ErrNoPayableLines),
		errors.Is(err, settlement.ErrLineNotPayable),
		errors.Is(err, settlement.ErrMissingReference),
		errors.Is(err, settlement.ErrNoPayments),
		errors.Is(err, occupancy.ErrInvalidTransition):
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(http.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
}
