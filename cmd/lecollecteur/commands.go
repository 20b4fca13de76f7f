package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/ivannde/lecollecteur/internal/inventory"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/service"
)

var (
	srvAddress string
	srvUser    string
	srvPort    int
	srvKey     string
	srvPass    string

	taskDue        string
	taskRecurrence string

	alertWindow time.Duration

	execCommand = cli.Command{
		Name:      "exec",
		Aliases:   []string{"x"},
		Usage:     "run a script on a server now and record the log",
		ArgsUsage: "<server> <script>",
		Action:    withService(execScript),
	}

	serversCommand = cli.Command{
		Name:  "servers",
		Usage: "manage the server registry",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "list registered servers",
				Action: withService(listServers),
			},
			{
				Name:      "add",
				Usage:     "register a server",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "address, a", Usage: "host name or IP", Destination: &srvAddress},
					cli.StringFlag{Name: "user, u", Usage: "SSH user", Value: "root", Destination: &srvUser},
					cli.IntFlag{Name: "port, p", Usage: "SSH port", Value: model.DefaultSSHPort, Destination: &srvPort},
					cli.StringFlag{Name: "key, k", Usage: "private key path", Destination: &srvKey},
					cli.StringFlag{Name: "password", Usage: "SSH password", EnvVar: "COLLECTEUR_SSH_PASSWORD", Destination: &srvPass},
				},
				Action: withService(addServer),
			},
			{
				Name:      "rm",
				Usage:     "delete a server",
				ArgsUsage: "<server>",
				Action:    withService(removeServer),
			},
			{
				Name:      "ping",
				Usage:     "probe a server's SSH port",
				ArgsUsage: "<server>",
				Action:    withService(pingServer),
			},
			{
				Name:      "sync",
				Usage:     "upsert servers from a YAML inventory",
				ArgsUsage: "<inventory.yaml>",
				Action:    syncInventory,
			},
		},
	}

	tasksCommand = cli.Command{
		Name:  "tasks",
		Usage: "manage scheduled tasks",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "list tasks by due time",
				Action: withService(listTasks),
			},
			{
				Name:      "add",
				Usage:     "schedule a script",
				ArgsUsage: "<server> <script>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "at", Usage: "due time, YYYY-MM-DDTHH:MM in UTC", Destination: &taskDue},
					cli.StringFlag{Name: "every", Usage: "recurrence: none, daily or weekly", Destination: &taskRecurrence},
				},
				Action: withService(addTask),
			},
			{
				Name:      "rm",
				Usage:     "delete a task",
				ArgsUsage: "<task-id>",
				Action:    withService(removeTask),
			},
		},
	}

	logsCommand = cli.Command{
		Name:      "logs",
		Usage:     "show a server's execution logs, newest first",
		ArgsUsage: "<server>",
		Action:    withService(showLogs),
	}

	alertsCommand = cli.Command{
		Name:  "alerts",
		Usage: "count failed automatic runs in a trailing window",
		Flags: []cli.Flag{
			cli.DurationFlag{Name: "window", Usage: "trailing window", Value: service.DefaultAlertWindow, Destination: &alertWindow},
		},
		Action: withService(showAlerts),
	}
)

func args(c *cli.Context, n int) ([]string, error) {
	a := c.Args()
	if len(a) < n {
		return nil, fmt.Errorf("%s: expected %s", c.Command.FullName(), c.Command.ArgsUsage)
	}
	return a, nil
}

func execScript(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	ctx := context.Background()
	srv, err := svc.FindServer(ctx, a[0])
	if err != nil {
		return err
	}
	res, err := svc.RunManualScript(ctx, srv.ID, strings.Join(a[1:], " "))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprint(w, res.Stdout)
	fmt.Fprint(c.App.ErrWriter, res.Stderr)
	if res.Failed() {
		return fmt.Errorf("%s", res.Err)
	}
	if res.ExitCode != 0 {
		return cli.NewExitError("", res.ExitCode)
	}
	return nil
}

func listServers(c *cli.Context, svc *service.Service) error {
	list, err := svc.ListServers(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tUSER\tAUTH")
	for _, s := range list {
		auth := "none"
		switch {
		case s.KeyPath != "":
			auth = "key"
		case s.Password != "":
			auth = "password"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s:%d\t%s\t%s\n", s.ID, s.Name, s.Address, s.Port, s.User, auth)
	}
	return tw.Flush()
}

func addServer(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	srv, err := svc.CreateServer(context.Background(), model.Server{
		Name:     a[0],
		Address:  srvAddress,
		User:     srvUser,
		Port:     srvPort,
		KeyPath:  srvKey,
		Password: srvPass,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "server %s registered with id %d\n", srv.Name, srv.ID)
	return nil
}

func removeServer(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	ctx := context.Background()
	srv, err := svc.FindServer(ctx, a[0])
	if err != nil {
		return err
	}
	return svc.DeleteServer(ctx, srv.ID)
}

func pingServer(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	ctx := context.Background()
	srv, err := svc.FindServer(ctx, a[0])
	if err != nil {
		return err
	}
	res, err := svc.Ping(ctx, srv.ID)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s (%s)", res.Address, res.Message, res.Error)
	}
	fmt.Fprintf(c.App.Writer, "%s: %s\n", res.Address, res.Message)
	return nil
}

func syncInventory(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	ctx := context.Background()
	e, err := setup(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer e.Close()

	s := &inventory.Syncer{Path: a[0], FS: afero.NewOsFs(), Store: e.servers, Log: e.log}
	if err := s.Sync(ctx); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func listTasks(c *cli.Context, svc *service.Service) error {
	list, err := svc.ListScheduledTasks(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVER\tDUE (UTC)\tEVERY\tSTATUS\tLAST RUN\tSCRIPT")
	for _, t := range list {
		last := "-"
		if t.LastRunAt != nil {
			last = t.LastRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.ServerID, t.DueAt.Format(model.DueAtLayout), every(t.Recurrence), t.Status, last, firstLine(t.Script))
	}
	return tw.Flush()
}

func addTask(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	ctx := context.Background()
	srv, err := svc.FindServer(ctx, a[0])
	if err != nil {
		return err
	}
	t, err := svc.CreateScheduledTask(ctx, srv.ID, strings.Join(a[1:], " "), taskDue, taskRecurrence)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "task %d scheduled on %s at %s UTC\n", t.ID, srv.Name, t.DueAt.Format(model.DueAtLayout))
	return nil
}

func removeTask(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(a[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: task id %q", service.ErrInvalidInput, a[0])
	}
	return svc.DeleteScheduledTask(context.Background(), id)
}

func showLogs(c *cli.Context, svc *service.Service) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	ctx := context.Background()
	srv, err := svc.FindServer(ctx, a[0])
	if err != nil {
		return err
	}
	logs, err := svc.ServerLogs(ctx, srv.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXECUTED (UTC)\tORIGIN\tSCRIPT\tERROR")
	for _, l := range logs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", l.ID, l.ExecutedAt.Format(time.RFC3339), l.Origin, firstLine(l.Script), l.Error)
	}
	return tw.Flush()
}

func showAlerts(c *cli.Context, svc *service.Service) error {
	n, err := svc.CountRecentAutomaticFailures(context.Background(), alertWindow)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d failed automatic run(s) in the last %s\n", n, alertWindow)
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func every(r model.Recurrence) string {
	if r == model.RecurrenceNone {
		return "once"
	}
	return r.String()
}
