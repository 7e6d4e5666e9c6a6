package wire

import (
	"encoding/json"
	"fmt"
)

// CommandType tags the client→server Command union (§4.A).
type CommandType string

const (
	CmdSpawn           CommandType = "spawn"
	CmdKill            CommandType = "kill"
	CmdSubmit          CommandType = "submit"
	CmdCancel          CommandType = "cancel"
	CmdSubscribeLogs   CommandType = "subscribe:logs"
	CmdUnsubscribeLogs CommandType = "unsubscribe:logs"
)

// Command is the sealed interface implemented by every concrete command.
type Command interface {
	CommandType() CommandType
}

// SpawnCommand starts a new worker. Command/Argv are only present when the
// caller is not relying on an injected ServerRegistry to resolve ServerID.
type SpawnCommand struct {
	ServerID   string   `json:"serverId"`
	ServerName string   `json:"serverName,omitempty"`
	Command    string   `json:"command,omitempty"`
	Argv       []string `json:"argv,omitempty"`
}

func (SpawnCommand) CommandType() CommandType { return CmdSpawn }

// KillCommand begins a graceful stop of a worker.
type KillCommand struct {
	WorkerID string `json:"workerId"`
}

func (KillCommand) CommandType() CommandType { return CmdKill }

// SubmitCommand creates and queues a task.
type SubmitCommand struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

func (SubmitCommand) CommandType() CommandType { return CmdSubmit }

// CancelCommand marks a task cancelled.
type CancelCommand struct {
	TaskID string `json:"taskId"`
}

func (CancelCommand) CommandType() CommandType { return CmdCancel }

// SubscribeLogsCommand adds a worker to the caller's log subscription set.
type SubscribeLogsCommand struct {
	WorkerID string `json:"workerId"`
}

func (SubscribeLogsCommand) CommandType() CommandType { return CmdSubscribeLogs }

// UnsubscribeLogsCommand removes a worker from the caller's subscription set.
type UnsubscribeLogsCommand struct {
	WorkerID string `json:"workerId"`
}

func (UnsubscribeLogsCommand) CommandType() CommandType { return CmdUnsubscribeLogs }

// taggedCommand is only used to sniff the `type` discriminator before
// decoding into the concrete payload shape.
type taggedCommand struct {
	Type CommandType `json:"type"`
}

// ErrUnknownCommand is returned by DecodeCommand for an unrecognised tag.
// Callers should log and ignore per §4.A ("Unknown incoming tags are
// logged and ignored").
type ErrUnknownCommand struct {
	Type CommandType
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("wire: unknown command type %q", e.Type)
}

// DecodeCommand parses one raw client→server message into its concrete
// Command type.
func DecodeCommand(raw []byte) (Command, error) {
	var tag taggedCommand
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("wire: decode command envelope: %w", err)
	}

	switch tag.Type {
	case CmdSpawn:
		var c SpawnCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode spawn: %w", err)
		}
		return c, nil
	case CmdKill:
		var c KillCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode kill: %w", err)
		}
		return c, nil
	case CmdSubmit:
		var c SubmitCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode submit: %w", err)
		}
		return c, nil
	case CmdCancel:
		var c CancelCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode cancel: %w", err)
		}
		return c, nil
	case CmdSubscribeLogs:
		var c SubscribeLogsCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode subscribe:logs: %w", err)
		}
		return c, nil
	case CmdUnsubscribeLogs:
		var c UnsubscribeLogsCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("wire: decode unsubscribe:logs: %w", err)
		}
		return c, nil
	default:
		return nil, &ErrUnknownCommand{Type: tag.Type}
	}
}
