// CertHub
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/config"
	"github.com/gravitational/certhub/lib/service"
	"github.com/gravitational/certhub/lib/storage"
	"github.com/gravitational/certhub/lib/storage/postgres"
	"github.com/gravitational/certhub/lib/tokens"
)

const appHelp = `CertHub certificate distribution control plane.

CertHub watches a drop zone for PKCS#12 bundles, catalogs them, and hands
them to enrolled device agents through approved install jobs.

Configuration is read from a YAML file (--config or CERTHUB_CONFIG_FILE),
then overridden by environment variables.`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

// Run parses the command line and dispatches the selected command.
func Run(ctx context.Context, args []string) error {
	var flags config.CommandLineFlags

	app := kingpin.New("certhub", appHelp)
	app.Flag("config", "Path to the CertHub YAML configuration file.").
		Short('c').StringVar(&flags.ConfigFile)
	app.Flag("debug", "Verbose logging to stderr.").
		Short('d').BoolVar(&flags.Debug)
	app.HelpFlag.Short('h')

	startCmd := app.Command("start", "Start the CertHub server.")

	bootstrapCmd := app.Command("bootstrap-user", "Create the first operator account directly in the database.")
	bootstrapUsername := bootstrapCmd.Flag("username", "Login name of the operator.").Required().String()
	bootstrapPassword := bootstrapCmd.Flag("password", "Initial password.").Required().String()
	bootstrapEmail := bootstrapCmd.Flag("email", "Email address, enables password recovery mail.").String()
	bootstrapRole := bootstrapCmd.Flag("role", "Global role of the operator.").
		Default(string(storage.RoleDev)).
		Enum(string(storage.RoleDev), string(storage.RoleAdmin), string(storage.RoleView))
	bootstrapOrg := bootstrapCmd.Flag("org", "Tenant the operator belongs to.").
		Default("1").Int64()

	versionCmd := app.Command("version", "Print the CertHub version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		cfg, err := config.Load(flags)
		if err != nil {
			return trace.Wrap(err)
		}
		setupLogger(cfg.Debug)
		return trace.Wrap(service.Run(ctx, cfg))
	case bootstrapCmd.FullCommand():
		cfg, err := config.Load(flags)
		if err != nil {
			return trace.Wrap(err)
		}
		setupLogger(cfg.Debug)
		return trace.Wrap(bootstrapUser(ctx, cfg, service.BootstrapConfig{
			Username: *bootstrapUsername,
			Password: *bootstrapPassword,
			Email:    *bootstrapEmail,
			Role:     storage.Role(*bootstrapRole),
			OrgID:    *bootstrapOrg,
		}))
	case versionCmd.FullCommand():
		fmt.Printf("CertHub v%v\n", certhub.Version)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

// bootstrapUser creates the first operator directly against postgres.
// The in-memory store is refused: it dies with this process, so a
// separately started server would never see the account.
func bootstrapUser(ctx context.Context, cfg *config.Config, params service.BootstrapConfig) error {
	if cfg.DatabaseURL == "" {
		return trace.BadParameter("bootstrap-user requires DATABASE_URL; the in-memory store does not outlive this process")
	}
	store, err := postgres.New(ctx, postgres.Config{ConnString: cfg.DatabaseURL})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	tokenSvc, err := tokens.New(tokens.Config{
		Secret:     cfg.JWTSecret,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	params.Store = store
	params.Tokens = tokenSvc
	user, err := service.BootstrapUser(ctx, params)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Created operator %v (id %v, role %v) in org %v.\n",
		user.ADUsername, user.ID, user.RoleGlobal, user.OrgID)
	return nil
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
