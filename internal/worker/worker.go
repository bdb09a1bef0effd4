package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/emoscan/internal/utils" // Using the SafeCommand wrapper
)

// maxMessage guards against reading a garbage length header from a crashed worker.
const maxMessage = 64 * 1024 * 1024

// PythonWorker is a long-lived Python child process spoken to over a
// length-prefixed protocol: requests on stdin, responses on FD 3.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts `python3 -u script args...`.
func NewPythonWorker(ctx context.Context, id int, script string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, "python3", append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) so stray prints on stdout never corrupt the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and waits for its response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.ReadMessage()
}

// ReadMessage reads one [Length][Data] message from the data pipe.
func (w *PythonWorker) ReadMessage() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("worker %d sent an oversized message (%d bytes)", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Logs returns what the child wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

// Close ends the child by closing its stdin and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
