// Package systemd starts units over D-Bus. The setup pipeline uses it to
// bring up an installed Ollama service instead of spawning its own server.
package systemd

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// ErrNoUnit is returned when the unit is not loaded on either bus.
var ErrNoUnit = errors.New("systemd unit not found")

// unitConn is the part of *dbus.Conn the manager uses.
type unitConn interface {
	GetUnitPropertyContext(ctx context.Context, unit, property string) (*dbus.Property, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Manager handles unit lifecycle on the system bus and, when the unit is
// not installed system-wide, the user bus.
type Manager struct {
	dial []func(ctx context.Context) (unitConn, error)
}

// NewManager returns a manager that connects lazily, so construction never
// fails on hosts without systemd.
func NewManager() *Manager {
	return &Manager{dial: []func(ctx context.Context) (unitConn, error){
		func(ctx context.Context) (unitConn, error) { return dbus.NewSystemConnectionContext(ctx) },
		func(ctx context.Context) (unitConn, error) { return dbus.NewUserConnectionContext(ctx) },
	}}
}

// EnsureActive starts unit unless it is already active and waits for the
// start job to finish.
func (m *Manager) EnsureActive(ctx context.Context, unit string) error {
	var errs []error
	for _, dial := range m.dial {
		conn, err := dial(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = ensureActive(ctx, conn, unit)
		conn.Close()
		if !errors.Is(err, ErrNoUnit) {
			return err
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("start %s: %w", unit, errors.Join(errs...))
}

func ensureActive(ctx context.Context, conn unitConn, unit string) error {
	load, err := property(ctx, conn, unit, "LoadState")
	if err != nil {
		return err
	}
	if load != "loaded" {
		return fmt.Errorf("%w: %s is %s", ErrNoUnit, unit, load)
	}

	active, err := property(ctx, conn, unit, "ActiveState")
	if err != nil {
		return err
	}
	if active == "active" {
		return nil
	}

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", done); err != nil {
		return err
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("start job for %s finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func property(ctx context.Context, conn unitConn, unit, name string) (string, error) {
	prop, err := conn.GetUnitPropertyContext(ctx, unit, name)
	if err != nil {
		return "", err
	}
	s, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("%s %s has unexpected type %s", unit, name, prop.Value.Signature())
	}
	return s, nil
}
