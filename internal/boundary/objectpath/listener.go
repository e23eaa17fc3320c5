package objectpath

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
)

// frameRequest is one line of input on the object-path socket: the
// interface/method pair plus its JSON-encoded argument tuple.
type frameRequest struct {
	Interface string          `json:"interface"`
	Method    string          `json:"method"`
	Args      json.RawMessage `json:"args"`
}

// frameResponse is one line of output: exactly one of Result or Error is
// set.
type frameResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ListenAndServe accepts connections on a Unix-domain socket at path and
// serves object-path calls on each, framed the same way
// internal/mcp/transport_stdio.go frames stdio: one JSON object per line,
// read with a buffered scanner. Runs until ctx is cancelled or the
// listener errors.
func (o *Object) ListenAndServe(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go o.serveConn(ctx, conn, logger)
	}
}

func (o *Object) serveConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req frameRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeResponse(conn, frameResponse{Error: err.Error()})
			continue
		}

		result, err := o.Dispatch(ctx, Call{Interface: req.Interface, Method: req.Method, Args: req.Args})
		if err != nil {
			var notFound *MethodNotFoundError
			if errors.As(err, &notFound) {
				logger.Debug("object-path method not found", "interface", req.Interface, "method", req.Method)
			}
			writeResponse(conn, frameResponse{Error: err.Error()})
			continue
		}
		writeResponse(conn, frameResponse{Result: result})
	}
}

func writeResponse(conn net.Conn, resp frameResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	_, _ = conn.Write(raw)
}
