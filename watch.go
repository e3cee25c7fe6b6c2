package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
	"go.uber.org/zap"

	"github.com/sos-dispatch/dispatch-cli/api"
	"github.com/sos-dispatch/dispatch-cli/tui"
)

// refreshCheckInterval is how often the live feed renews an access token
// that is about to expire.
const refreshCheckInterval = time.Minute

func cmdWatch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "watch")
	plain := fs.Bool("plain", false, "print one line per event instead of the interactive view")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	if *plain || !isTTY() {
		return a.watch(ctx, tui.NewPlainDisplayer(a.stdout))
	}

	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(a.stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	err := a.watch(ctx, d)
	if err != nil && !errors.Is(err, api.ErrSessionExpired) {
		d.Fatal(err)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

// watch follows the live alert feed until ctx is done or the session ends.
func (a *app) watch(ctx context.Context, d tui.Displayer) error {
	d.Banner()

	s := a.store.Read()
	d.SessionRestored(s.User.DisplayName())

	if err := a.client.RefreshIfNeeded(ctx); err != nil {
		if !a.store.Read().IsLoggedIn() {
			d.SessionExpired()
			return api.ErrSessionExpired
		}
		a.log.Warn("token refresh failed", zap.Error(err))
		d.Info("Could not refresh the access token, continuing with the current one")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := a.newStream()
	defer stream.Disconnect()

	sessions := a.store.Subscribe(ctx)
	states := stream.SubscribeState(ctx)
	events := stream.Subscribe(ctx)

	if err := stream.Connect(ctx, s.UserID()); err != nil {
		return err
	}

	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	lastAccess := a.store.Read().AccessToken
	for {
		select {
		case <-ctx.Done():
			return nil

		case cur, ok := <-sessions:
			if !ok {
				return nil
			}
			if !cur.IsLoggedIn() {
				d.SessionExpired()
				return api.ErrSessionExpired
			}
			if cur.AccessToken != lastAccess {
				lastAccess = cur.AccessToken
				d.TokenRefreshed()
			}

		case st, ok := <-states:
			if !ok {
				return nil
			}
			d.Connection(st)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Alert(ev)

		case <-ticker.C:
			if err := a.client.RefreshIfNeeded(ctx); err != nil {
				a.log.Warn("scheduled token refresh failed", zap.Error(err))
			}
		}
	}
}
