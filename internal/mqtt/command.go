package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sweeney/gbm-decoder/internal/relays"
)

// ErrCommand is returned for a relay command that cannot be parsed.
var ErrCommand = errors.New("mqtt: invalid relay command")

// Command is a relay command received on the commands topic.
type Command struct {
	Device   int
	Position relays.Position
}

// CommandPayload is the JSON form of a relay command:
//
//	{"device": 0, "position": "green"}
type CommandPayload struct {
	Device   *int   `json:"device"`
	Position string `json:"position"`
}

// ParseCommand decodes a relay command payload.
func ParseCommand(payload []byte) (Command, error) {
	var p CommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrCommand, err)
	}
	if p.Device == nil {
		return Command{}, fmt.Errorf("%w: missing device", ErrCommand)
	}
	if *p.Device < 0 || *p.Device >= relays.NumDevices {
		return Command{}, fmt.Errorf("%w: device %d out of range", ErrCommand, *p.Device)
	}
	pos, err := relays.ParsePosition(p.Position)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrCommand, err)
	}
	return Command{Device: *p.Device, Position: pos}, nil
}

// CommandHandler receives parsed relay commands.
type CommandHandler func(Command)

// dispatch parses payload and hands the command to handler.
func dispatch(handler CommandHandler, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	handler(cmd)
	return nil
}
