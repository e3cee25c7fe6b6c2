package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/sos-dispatch/dispatch-cli/api"
	"github.com/sos-dispatch/dispatch-cli/tui"
)

// errUsage reports bad command arguments; usage has already been printed.
var errUsage = errors.New("usage")

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"login":         {"sign in and save the session", cmdLogin},
	"register":      {"create an account, then sign in", cmdRegister},
	"logout":        {"forget the saved session", cmdLogout},
	"whoami":        {"show the signed-in user", cmdWhoami},
	"alerts":        {"list SOS alerts", cmdAlerts},
	"alert":         {"show one alert", cmdAlert},
	"accept":        {"start working on an alert", cmdAccept},
	"complete":      {"mark an alert completed", cmdComplete},
	"notifications": {"list notifications", cmdNotifications},
	"read":          {"mark a notification read", cmdRead},
	"read-all":      {"mark every notification read", cmdReadAll},
	"health":        {"probe the primary and fallback API", cmdHealth},
	"watch":         {"follow the live alert feed", cmdWatch},
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet("dispatch "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	return nil
}

// idArg returns -id or, failing that, the first positional argument.
func idArg(fs *flag.FlagSet, id string) (string, error) {
	if id = strings.TrimSpace(id); id == "" {
		id = strings.TrimSpace(fs.Arg(0))
	}
	if id == "" {
		fmt.Fprintf(fs.Output(), "Error: an id is required\n")
		fs.Usage()
		return "", errUsage
	}
	return id, nil
}

func requireSession(a *app) error {
	if !a.store.Read().IsLoggedIn() {
		return api.ErrNotAuthenticated
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		fmt.Fprintln(fs.Output(), "Error: -email and -password are required")
		fs.Usage()
		return errUsage
	}

	return a.login(ctx, *email, *password)
}

func (a *app) login(ctx context.Context, email, password string) error {
	profile, err := a.client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	tui.NewPlainDisplayer(a.stderr).SignedIn(profile.DisplayName(), string(profile.Role))
	return a.printJSON(profile)
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "register")
	req := api.RegisterRequest{}
	fs.StringVar(&req.Email, "email", "", "account email")
	fs.StringVar(&req.Password, "password", "", "account password")
	fs.StringVar(&req.FullName, "name", "", "full name")
	fs.StringVar(&req.Phone, "phone", "", "phone number")
	if err := parse(fs, args); err != nil {
		return err
	}
	if req.Email == "" || req.Password == "" {
		fmt.Fprintln(fs.Output(), "Error: -email and -password are required")
		fs.Usage()
		return errUsage
	}

	if _, err := a.client.Register(ctx, req); err != nil {
		return err
	}
	return a.login(ctx, req.Email, req.Password)
}

func cmdLogout(_ context.Context, a *app, args []string) error {
	if err := parse(newFlagSet(a, "logout"), args); err != nil {
		return err
	}
	if err := a.client.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(a.stderr, "Signed out")
	return nil
}

func cmdWhoami(ctx context.Context, a *app, args []string) error {
	if err := parse(newFlagSet(a, "whoami"), args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	profile, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(profile)
}

func cmdAlerts(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "alerts")
	status := fs.String("status", "", "pending, assigned, in_progress, completed or cancelled")
	kind := fs.String("type", "", "medical, fire, flood, earthquake, accident, violence or other")
	skip := fs.Int("skip", 0, "results to skip")
	limit := fs.Int("limit", 0, "maximum results (server default when 0)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	alerts, err := a.client.ListAlerts(ctx, api.AlertFilter{
		Status: api.AlertStatus(strings.ToLower(*status)),
		Type:   api.EmergencyType(strings.ToLower(*kind)),
		Skip:   *skip,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	return a.printJSON(alerts)
}

func cmdAlert(ctx context.Context, a *app, args []string) error {
	return alertCommand(ctx, a, "alert", args, a.client.GetAlert)
}

func cmdAccept(ctx context.Context, a *app, args []string) error {
	return alertCommand(ctx, a, "accept", args, a.client.AcceptAlert)
}

func cmdComplete(ctx context.Context, a *app, args []string) error {
	return alertCommand(ctx, a, "complete", args, a.client.CompleteAlert)
}

func alertCommand(
	ctx context.Context,
	a *app,
	name string,
	args []string,
	do func(context.Context, string) (*api.Alert, error),
) error {
	fs := newFlagSet(a, name)
	idFlag := fs.String("id", "", "alert id")
	if err := parse(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, *idFlag)
	if err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	alert, err := do(ctx, id)
	if err != nil {
		return err
	}
	return a.printJSON(alert)
}

func cmdNotifications(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "notifications")
	unread := fs.Bool("unread", false, "only unread notifications")
	skip := fs.Int("skip", 0, "results to skip")
	limit := fs.Int("limit", 0, "maximum results (server default when 0)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	items, err := a.client.ListNotifications(ctx, api.NotificationFilter{
		UnreadOnly: *unread,
		Skip:       *skip,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	return a.printJSON(items)
}

func cmdRead(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "read")
	idFlag := fs.String("id", "", "notification id")
	if err := parse(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, *idFlag)
	if err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	n, err := a.client.MarkNotificationRead(ctx, id)
	if err != nil {
		return err
	}
	return a.printJSON(n)
}

func cmdReadAll(ctx context.Context, a *app, args []string) error {
	if err := parse(newFlagSet(a, "read-all"), args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}

	if err := a.client.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stderr, "All notifications marked read")
	return nil
}

func cmdHealth(ctx context.Context, a *app, args []string) error {
	if err := parse(newFlagSet(a, "health"), args); err != nil {
		return err
	}

	report, err := a.client.Health(ctx)
	if err != nil {
		return err
	}
	which := "primary"
	if report.Fallback {
		which = "fallback"
	}
	fmt.Fprintf(a.stdout, "%s %s: status %d in %s\n",
		which, report.BaseURL, report.StatusCode, report.Latency.Round(time.Millisecond))
	return nil
}
