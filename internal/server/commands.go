package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/device"
	"github.com/meshvoice/micbridge/internal/session"
	"github.com/meshvoice/micbridge/internal/settings"
)

// SelectDeviceRequest is the request body for devices/select.
type SelectDeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=256"`
}

// SettingsUpdateRequest is the request body for settings/update.
type SettingsUpdateRequest struct {
	DisableEchoCancellation *bool `json:"disable_echo_cancellation"`
	DisableNoiseSuppression *bool `json:"disable_noise_suppression"`
	DisableAutoGainControl  *bool `json:"disable_auto_gain_control"`
}

// StatusResponse describes the current session state.
type StatusResponse struct {
	SelectedDeviceID string              `json:"selected_device_id"`
	HasAudio         bool                `json:"has_audio"`
	Devices          []device.Descriptor `json:"devices"`
	HMDMicWarning    bool                `json:"hmd_mic_warning"`
}

// CommandHandler processes WebSocket commands against the session.
type CommandHandler struct {
	mgr   *session.Manager
	store *settings.Store
	log   zerolog.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(mgr *session.Manager, store *settings.Store, log zerolog.Logger) *CommandHandler {
	return &CommandHandler{mgr: mgr, store: store, log: log}
}

// Handle processes a command. Commands use slash-style format:
// namespace/action (e.g. "devices/select").
func (h *CommandHandler) Handle(ctx context.Context, cmd WSCommand, resp responder) {
	parts := strings.SplitN(cmd.Type, "/", 2)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch namespace {
	case "devices":
		h.handleDevices(ctx, action, cmd, resp)
	case "session":
		h.handleSession(ctx, action, cmd, resp)
	case "settings":
		h.handleSettings(ctx, action, cmd, resp)
	case "advisory":
		h.handleAdvisory(action, cmd, resp)
	default:
		h.log.Warn().Str("type", cmd.Type).Msg("Unknown WebSocket command")
		resp.Error(cmd.Type, fmt.Errorf("unknown command"))
	}
}

func (h *CommandHandler) handleDevices(ctx context.Context, action string, cmd WSCommand, resp responder) {
	switch action {
	case "list":
		h.mgr.RefreshDevices(ctx)
		resp.Success(cmd.Type, h.mgr.Devices())
	case "select":
		var req SelectDeviceRequest
		if !decodeAndValidate(cmd, resp, &req) {
			return
		}
		if !h.mgr.SelectDevice(ctx, req.DeviceID) {
			resp.Error(cmd.Type, fmt.Errorf("capture failed for device %q", req.DeviceID))
			return
		}
		resp.Success(cmd.Type, h.status())
	default:
		resp.Error(cmd.Type, fmt.Errorf("unknown devices action %q", action))
	}
}

func (h *CommandHandler) handleSession(ctx context.Context, action string, cmd WSCommand, resp responder) {
	switch action {
	case "start-default":
		hasAudio := h.mgr.StartDefaultSession(ctx)
		resp.Success(cmd.Type, map[string]bool{"has_audio": hasAudio})
	case "status":
		resp.Success(cmd.Type, h.status())
	default:
		resp.Error(cmd.Type, fmt.Errorf("unknown session action %q", action))
	}
}

func (h *CommandHandler) handleSettings(ctx context.Context, action string, cmd WSCommand, resp responder) {
	if action != "update" {
		resp.Error(cmd.Type, fmt.Errorf("unknown settings action %q", action))
		return
	}

	var req SettingsUpdateRequest
	if !decodeAndValidate(cmd, resp, &req) {
		return
	}

	err := h.store.Update(settings.Patch{
		DisableEchoCancellation: req.DisableEchoCancellation,
		DisableNoiseSuppression: req.DisableNoiseSuppression,
		DisableAutoGainControl:  req.DisableAutoGainControl,
	})
	if err != nil {
		resp.Error(cmd.Type, err)
		return
	}
	resp.Success(cmd.Type, nil)
}

func (h *CommandHandler) handleAdvisory(action string, cmd WSCommand, resp responder) {
	if action != "hmd-mic" {
		resp.Error(cmd.Type, fmt.Errorf("unknown advisory action %q", action))
		return
	}
	resp.Success(cmd.Type, map[string]bool{"warn": h.mgr.ShouldShowHMDMicWarning()})
}

func (h *CommandHandler) status() StatusResponse {
	return StatusResponse{
		SelectedDeviceID: h.mgr.SelectedDeviceID(),
		HasAudio:         h.mgr.HasAudio(),
		Devices:          h.mgr.Devices(),
		HMDMicWarning:    h.mgr.ShouldShowHMDMicWarning(),
	}
}
