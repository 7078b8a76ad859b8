package core

import (
	"context"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

const interruptByte = "\x03"

func (m *terminalManager) SendCommand(ctx context.Context, req schema.SendCommandRequest) (schema.SendCommandResponse, error) {
	text := strings.TrimRight(req.Command, "\r\n")
	if strings.TrimSpace(text) == "" {
		return schema.SendCommandResponse{}, schema.ErrEmptyCommand
	}
	id, rt, err := m.lookup(req.SessionID)
	if err != nil {
		return schema.SendCommandResponse{}, err
	}
	log := logx.WithSession(ctx, id)
	resp := schema.SendCommandResponse{SessionID: id}

	rt.dispatchMu.Lock()
	defer rt.dispatchMu.Unlock()
	snap, ok := m.sessions.peek(id)
	if !ok {
		return schema.SendCommandResponse{}, schema.ErrSessionNotFound
	}

	if snap.IsInteractiveMode && !snap.Executing() {
		// A flag left over from a fullscreen program clears once the tty is line-buffered again.
		if mode, ok := rt.mode(); ok && !mode.IsRawInput() {
			snap, _ = m.sessions.update(id, func(s *schema.SessionSnapshot) {
				s.IsInteractiveMode = false
				s.IsWaitingForInteractiveInput = false
				s.InteractivePrompt = ""
			})
		}
	}
	if snap.Status != schema.SessionReady || snap.IsInteractiveMode {
		if err := rt.write([]byte(text + "\n")); err != nil {
			log.Warn("terminal raw input write failed", "err", err)
			return schema.SendCommandResponse{}, newSessionError(SessionErrorDispatch, "write", id, err)
		}
		m.sessions.update(id, func(s *schema.SessionSnapshot) {
			s.IsWaitingForInteractiveInput = false
		})
		m.metrics.command(dispatchRaw)
		log.Debug("terminal command forwarded as input", "status", snap.Status, "interactive", snap.IsInteractiveMode)
		resp.Raw = true
		return resp, nil
	}

	if strings.TrimSpace(text) == "clear" {
		if err := rt.write([]byte("clear\n")); err != nil {
			log.Warn("terminal clear write failed", "err", err)
			return schema.SendCommandResponse{}, newSessionError(SessionErrorDispatch, "write", id, err)
		}
		m.metrics.command(dispatchClear)
		return resp, nil
	}

	cmdID := newCommandID()
	resp.CommandID = cmdID
	if snap.Executing() || len(snap.CommandQueue) > 0 {
		m.sessions.update(id, func(s *schema.SessionSnapshot) {
			queue := make([]schema.QueuedCommand, 0, len(s.CommandQueue)+1)
			queue = append(queue, s.CommandQueue...)
			s.CommandQueue = append(queue, schema.QueuedCommand{ID: cmdID, Command: text})
		})
		m.metrics.command(dispatchQueued)
		logx.WithCommand(log, cmdID).Debug("terminal command queued", "queue_len", len(snap.CommandQueue)+1)
		resp.Queued = true
		return resp, nil
	}

	m.processor.commandStarted(id, text)
	item, _ := m.startCommand(id, func(s *schema.SessionSnapshot) (schema.QueuedCommand, bool) {
		return schema.QueuedCommand{ID: cmdID, Command: text}, true
	})
	m.dispatch(log, rt, item)
	return resp, nil
}

// advance runs the head of the queue once the session is idle.
func (m *terminalManager) advance(id schema.SessionID) {
	rt, ok := m.sessions.runtime(id)
	if !ok {
		return
	}
	rt.dispatchMu.Lock()
	defer rt.dispatchMu.Unlock()
	snap, ok := m.sessions.peek(id)
	if !ok || snap.Executing() || len(snap.CommandQueue) == 0 {
		return
	}
	m.processor.commandStarted(id, snap.CommandQueue[0].Command)
	item, ok := m.startCommand(id, func(s *schema.SessionSnapshot) (schema.QueuedCommand, bool) {
		if len(s.CommandQueue) == 0 {
			return schema.QueuedCommand{}, false
		}
		head := s.CommandQueue[0]
		s.CommandQueue = append([]schema.QueuedCommand(nil), s.CommandQueue[1:]...)
		return head, true
	})
	if !ok {
		return
	}
	m.dispatch(logx.WithSession(m.ctx, id), rt, item)
}

// startCommand takes the next command from pick and makes it the executing
// command in the same update, so a command is never both queued and running.
func (m *terminalManager) startCommand(id schema.SessionID, pick func(*schema.SessionSnapshot) (schema.QueuedCommand, bool)) (schema.CommandHistoryItem, bool) {
	var (
		item    schema.CommandHistoryItem
		started bool
	)
	m.sessions.update(id, func(s *schema.SessionSnapshot) {
		if s.Executing() {
			return
		}
		next, ok := pick(s)
		if !ok {
			return
		}
		item = schema.CommandHistoryItem{
			ID:          next.ID,
			Prompt:      s.CurrentDirectory,
			Command:     next.Command,
			IsExecuting: true,
			StartedAt:   m.sessions.now(),
		}
		current := item
		s.CurrentExecutingCommand = &current
		started = true
	})
	return item, started
}

// dispatch writes the command to the shell. Callers hold rt.dispatchMu.
// A failed write leaves the command executing so it stays visible.
func (m *terminalManager) dispatch(log pslog.Logger, rt *sessionRuntime, item schema.CommandHistoryItem) {
	if item.ID == "" {
		return
	}
	log = logx.WithCommand(log, item.ID)
	if !m.cfg.DisableAuditLogging {
		log.Info("terminal command exec", "cwd", item.Prompt, "command", item.Command)
	}
	if err := rt.write([]byte(item.Command + "\n")); err != nil {
		log.Error("terminal command write failed", "err", err)
		return
	}
	m.metrics.command(dispatchExecuted)
}

func (m *terminalManager) SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
	if req.Input == "" {
		return schema.SendInputResponse{}, schema.ErrInvalidRequest
	}
	id, rt, err := m.lookup(req.SessionID)
	if err != nil {
		return schema.SendInputResponse{}, err
	}
	rt.dispatchMu.Lock()
	defer rt.dispatchMu.Unlock()
	if err := rt.write([]byte(req.Input)); err != nil {
		logx.WithSession(ctx, id).Warn("terminal input write failed", "err", err)
		return schema.SendInputResponse{}, newSessionError(SessionErrorDispatch, "input", id, err)
	}
	m.sessions.update(id, func(s *schema.SessionSnapshot) {
		s.IsWaitingForInteractiveInput = false
	})
	return schema.SendInputResponse{SessionID: id}, nil
}

func (m *terminalManager) SendInterrupt(ctx context.Context, req schema.SendInterruptRequest) (schema.SendInterruptResponse, error) {
	id, rt, err := m.lookup(req.SessionID)
	if err != nil {
		return schema.SendInterruptResponse{}, err
	}
	rt.dispatchMu.Lock()
	defer rt.dispatchMu.Unlock()
	if err := rt.write([]byte(interruptByte)); err != nil {
		logx.WithSession(ctx, id).Warn("terminal interrupt write failed", "err", err)
		return schema.SendInterruptResponse{}, newSessionError(SessionErrorDispatch, "interrupt", id, err)
	}
	logx.WithSession(ctx, id).Info("terminal interrupt sent")
	return schema.SendInterruptResponse{SessionID: id}, nil
}

// lookup resolves id, defaulting to the focused session.
func (m *terminalManager) lookup(id schema.SessionID) (schema.SessionID, *sessionRuntime, error) {
	resolved, err := m.sessions.resolve(id)
	if err != nil {
		return "", nil, err
	}
	rt, ok := m.sessions.runtime(resolved)
	if !ok {
		return "", nil, schema.ErrSessionNotFound
	}
	return resolved, rt, nil
}
