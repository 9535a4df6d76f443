// Package wizard prompts for the room code and device name when a client is
// started without --room-code, without a saved room code, and without
// --background (spec §6). It is a
// thin substitute for CLI flags, not a general-purpose TUI.
package wizard

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"
)

// Result is the outcome of a completed setup prompt.
type Result struct {
	RoomCode  string
	DeviceName string
}

// Run prompts interactively for a room code and device name, prefilling
// device name with defaultDeviceName. It returns an error only if the user
// aborts (e.g. Ctrl+C) or the terminal does not support interactive input.
func Run(defaultDeviceName string) (Result, error) {
	result := Result{DeviceName: defaultDeviceName}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Room code").
				Description("Shared secret for this clipboard room. Anyone with this code can join.").
				Password(true).
				Validate(validateRoomCode).
				Value(&result.RoomCode),
			huh.NewInput().
				Title("Device name").
				Description("Shown to other devices in the room.").
				Validate(validateDeviceName).
				Value(&result.DeviceName),
		),
	)

	if err := form.Run(); err != nil {
		return Result{}, err
	}

	result.RoomCode = strings.TrimSpace(result.RoomCode)
	result.DeviceName = strings.TrimSpace(result.DeviceName)
	return result, nil
}

func validateRoomCode(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("room code must not be empty")
	}
	return nil
}

func validateDeviceName(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("device name must not be empty")
	}
	return nil
}
