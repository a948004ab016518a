//go:build !windows

package pty

import (
	"os"
	"os/exec"

	creackpty "github.com/creack/pty"
)

type unixPTY struct {
	master *os.File
	cmd    *exec.Cmd
}

// Start runs cmd with its stdio attached to a new pty.
func Start(cmd *exec.Cmd) (PTY, error) {
	master, err := creackpty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &unixPTY{master: master, cmd: cmd}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.master.Write(b) }

// Close releases the master side and kills the child if it is still running.
func (p *unixPTY) Close() error {
	err := p.master.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return err
}

func (p *unixPTY) Wait() error { return p.cmd.Wait() }

func (p *unixPTY) SetSize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	return creackpty.Setsize(p.master, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}
