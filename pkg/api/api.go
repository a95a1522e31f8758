// Package api provides a REST API for a weighing session
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fako1024/bitscale/pkg/bitscale"
	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/session"
	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
)

// Controller denotes the session functionality exposed via the API
type Controller interface {
	Snapshot() session.Snapshot
	Tare() error
	Disconnect() error
	Reconnect() error
	Save() (ledger.Entry, error)
	SaveAndTare() (ledger.Entry, error)
	Remove(id ulid.ULID) bool
	Clear()
	Entries() []ledger.Entry
	Export() string
	SetAutoSave(enabled bool)
	AutoSave() bool
}

// API denotes a REST API for a weighing session
type API struct {
	session Controller
	router  *fiber.App
	logger  scale.Logger
}

type autoSaveRequest struct {
	Enabled *bool `json:"enabled"`
}

type autoSaveResponse struct {
	Enabled bool `json:"enabled"`
}

// New instantiates a new API
func New(s Controller, logger scale.Logger) *API {
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	api := API{
		session: s,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		logger: logger,
	}

	// Setup routes
	api.router.Use(api.logRequests())
	api.router.Get("/status", api.handleStatus())
	api.router.Post("/tare", api.handleTare())
	api.router.Post("/disconnect", api.handleDisconnect())
	api.router.Post("/reconnect", api.handleReconnect())

	api.router.Get("/weights", api.handleListWeights())
	api.router.Post("/weights", api.handleSaveWeight())
	api.router.Post("/weights/tare", api.handleSaveAndTare())
	api.router.Get("/weights/export", api.handleExportWeights())
	api.router.Delete("/weights", api.handleClearWeights())
	api.router.Delete("/weights/:id", api.handleDeleteWeight())

	api.router.Get("/autosave", api.handleGetAutoSave())
	api.router.Put("/autosave", api.handleSetAutoSave())

	return &api
}

// Listen serves the API on the given endpoint until Shutdown() is called
func (api *API) Listen(endpoint string) error {
	api.logger.Infof("serving API on `%s`", endpoint)
	return api.router.Listen(endpoint)
}

// Shutdown gracefully stops the API
func (api *API) Shutdown() error {
	return api.router.ShutdownWithTimeout(5 * time.Second)
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) logRequests() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		api.logger.Debugf("%s %s (%s)", c.Method(), c.Path(), time.Since(start))
		return err
	}
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.session.Snapshot())
	}
}

func (api *API) handleTare() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.session.Tare(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.session.Disconnect(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleReconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.session.Reconnect(); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleListWeights() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.session.Entries())
	}
}

func (api *API) handleSaveWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		entry, err := api.session.Save()
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(entry)
	}
}

func (api *API) handleSaveAndTare() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		entry, err := api.session.SaveAndTare()
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(entry)
	}
}

func (api *API) handleExportWeights() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(api.session.Export())
	}
}

func (api *API) handleClearWeights() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		api.session.Clear()
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleDeleteWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		id, err := ulid.ParseStrict(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid weight ID `%s`", c.Params("id")))
		}
		if !api.session.Remove(id) {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("no weight with ID %s", id))
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleGetAutoSave() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(autoSaveResponse{Enabled: api.session.AutoSave()})
	}
}

func (api *API) handleSetAutoSave() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req autoSaveRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil || req.Enabled == nil {
			return fiber.NewError(fiber.StatusBadRequest, `expected body {"enabled": true|false}`)
		}

		api.session.SetAutoSave(*req.Enabled)
		return c.JSON(autoSaveResponse{Enabled: api.session.AutoSave()})
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.Is(err, session.ErrNoReading):
		code = fiber.StatusConflict
	case errors.Is(err, scale.ErrWrite), errors.Is(err, scale.ErrNotConnected):
		code = fiber.StatusBadGateway
	case errors.Is(err, bitscale.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
