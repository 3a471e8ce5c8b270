package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/scoresync/go/internal/collab"
	"github.com/mcdev12/scoresync/go/internal/merge"
	"github.com/mcdev12/scoresync/go/internal/models"
)

type flags struct {
	config      string
	name        string
	create      bool
	relay       bool
	join        string
	merge       string
	password    string
	dataFile    string
	yes         bool
	demo        bool
	noAuto      bool
	listBackups bool
	restore     string
	logLevel    string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("scoresync", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "scoresync.yaml", "config file")
	fs.StringVarP(&f.name, "name", "n", "", "display name shown to peers")
	fs.BoolVar(&f.create, "create", false, "create a room for the current session")
	fs.BoolVar(&f.relay, "relay", false, "create a relay room instead of a peer room")
	fs.StringVarP(&f.join, "join", "j", "", "join a room into a new session")
	fs.StringVarP(&f.merge, "merge", "m", "", "join a room and add the current session's teams and blocks")
	fs.StringVarP(&f.password, "password", "p", "", "room password (defaults to one derived from the code)")
	fs.StringVar(&f.dataFile, "data", "", "session database file")
	fs.BoolVarP(&f.yes, "yes", "y", false, "confirm merges without asking")
	fs.BoolVar(&f.demo, "demo", false, "use in-process transports and registry")
	fs.BoolVar(&f.noAuto, "no-auto-reconnect", false, "do not rejoin the stored room on start")
	fs.BoolVar(&f.listBackups, "backups", false, "list backups of the current session and exit")
	fs.StringVar(&f.restore, "restore", "", "restore a backup as a new session and exit")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	chosen := 0
	for _, set := range []bool{f.create, f.join != "", f.merge != ""} {
		if set {
			chosen++
		}
	}
	if chosen > 1 {
		return nil, fmt.Errorf("--create, --join and --merge are mutually exclusive")
	}
	return f, nil
}

// request builds the StartSync input for the chosen action, or nil.
func (f *flags) request(name string) *collab.SyncRequest {
	req := &collab.SyncRequest{
		DisplayName: name,
		Password:    f.password,
		Options:     collab.StartOptions{Relay: f.relay},
	}
	switch {
	case f.create:
		req.JoinChoice = models.JoinChoiceCreate
	case f.join != "":
		req.JoinChoice = models.JoinChoiceJoin
		req.RoomCode = f.join
	case f.merge != "":
		req.JoinChoice = models.JoinChoiceMerge
		req.RoomCode = f.merge
	default:
		return nil
	}
	return req
}

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens
// before exiting.
func run() int {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig(f.config)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}
	cfg.applyEnv()
	if f.name != "" {
		cfg.Client.DisplayName = f.name
	}
	if f.dataFile != "" {
		cfg.Client.DataFile = f.dataFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var confirmer merge.Confirmer = newPromptConfirmer(os.Stdin, os.Stdout)
	if f.yes {
		confirmer = merge.AutoConfirm
	}
	services, err := setupServices(ctx, cfg, f.demo, confirmer, newConsoleObserver(os.Stdout))
	if err != nil {
		log.Error().Err(err).Msg("failed to set up services")
		return 1
	}
	defer services.Close()

	if f.listBackups || f.restore != "" {
		if err := runBackupCommand(ctx, services, f); err != nil {
			log.Error().Err(err).Msg("backup command failed")
			return 1
		}
		return 0
	}

	report, err := collab.RepairRooms(ctx, services.Sessions, services.Registry, nil)
	if err != nil {
		log.Warn().Err(err).Msg("room repair incomplete")
	} else if report.Expired+report.Duplicates+report.Invalid > 0 {
		log.Info().
			Int("expired", report.Expired).
			Int("duplicates", report.Duplicates).
			Int("invalid", report.Invalid).
			Msg("Repaired stored rooms")
	}
	if cfg.Registry.Cleanup > 0 {
		go services.Registry.RunCleanup(ctx, cfg.Registry.Cleanup)
	}

	if err := startAction(ctx, services, f, cfg.Client.DisplayName); err != nil {
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	services.Manager.StopSync()
	return 0
}

// startAction runs the requested create, join or merge, or else the one-shot
// auto-reconnect. Only a failed explicit request is returned; the observer
// has already reported it and the current session is untouched.
func startAction(ctx context.Context, services *Services, f *flags, name string) error {
	if req := f.request(name); req != nil {
		code, err := services.Manager.StartSync(ctx, *req)
		if err != nil {
			log.Error().Err(err).Str("code", string(collab.Classify(err))).Msg("failed to start sync")
			return err
		}
		fmt.Printf("room code: %s\n", code)
		return nil
	}
	if f.noAuto {
		return nil
	}
	code, err := services.Supervisor.AutoReconnect(ctx, name)
	if err != nil {
		log.Error().Err(err).Msg("auto-reconnect failed")
	} else if code != "" {
		fmt.Printf("rejoined room %s\n", code)
	}
	return nil
}

func runBackupCommand(ctx context.Context, services *Services, f *flags) error {
	if f.restore != "" {
		id, err := uuid.Parse(f.restore)
		if err != nil {
			return fmt.Errorf("invalid backup id: %w", err)
		}
		sess, err := services.Backups.Restore(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("restored backup %s as session %s\n", id, sess.ID)
		return nil
	}

	current, err := services.Sessions.Current()
	if err != nil {
		return err
	}
	backups, err := services.Backups.ListBackups(current.ID)
	if err != nil {
		return err
	}
	for _, b := range backups {
		fmt.Printf("%s  %s  %s\n", b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"), b.Reason)
	}
	return nil
}
