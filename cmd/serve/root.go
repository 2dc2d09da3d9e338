// Package serve implements the serve subcommand: it reads a
// common.ServerConfig from flags/environment/.env files exactly the way
// the teacher's cmd/serve package does, then runs the listener until an
// interrupt.
package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/jlgale/jimcached/cmd/util"
	"github.com/jlgale/jimcached/internal/common"
	"github.com/jlgale/jimcached/internal/reclaim"
	"github.com/jlgale/jimcached/internal/server"
	"github.com/jlgale/jimcached/internal/store"
)

var (
	serveCmdConfig = &common.ServerConfig{}

	// ServeCmd runs the cache server. Grounded on the teacher's
	// cmd/serve.ServeCmd: PreRunE binds flags to viper, cobra.OnInitialize
	// loads .env files before any flag is read.
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start the jimcached server",
		Long:    `Start the jimcached server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is JIMCACHED_<flag> (e.g. JIMCACHED_PORT=11222).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	ServeCmd.Flags().IntP("port", "p", 11211, cmdUtil.WrapString("TCP port to listen on"))
	ServeCmd.Flags().IntP("megabytes", "m", 64, cmdUtil.WrapString("Maximum amount of memory to use for cached items, in megabytes"))
	ServeCmd.Flags().IntP("backlog", "c", 1024, cmdUtil.WrapString("Listen backlog size (reported at startup; the socket uses the operating system's default backlog)"))
	ServeCmd.Flags().IntP("threads", "t", 4, cmdUtil.WrapString("Number of worker goroutines accepting and serving connections"))
	ServeCmd.Flags().BoolP("daemonize", "d", false, cmdUtil.WrapString("Run as a background daemon"))
	ServeCmd.Flags().CountP("verbose", "v", cmdUtil.WrapString("Increase verbosity; repeatable (-vv, -vvv)"))
	ServeCmd.Flags().String("pidfile", "", cmdUtil.WrapString("File to write the daemonized process's pid to"))
	ServeCmd.Flags().String("log-level", "", cmdUtil.WrapString("Explicit log level (debug, info, warning, error), overriding -v"))
}

// processConfig binds flags to viper and fills in serveCmdConfig, the
// teacher's processConfig cut down to this server's own flag set.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Port = viper.GetInt("port")
	serveCmdConfig.MegaBytes = viper.GetInt("megabytes")
	serveCmdConfig.Backlog = viper.GetInt("backlog")
	serveCmdConfig.Threads = viper.GetInt("threads")
	serveCmdConfig.Daemonize = viper.GetBool("daemonize")
	serveCmdConfig.Verbosity = viper.GetInt("verbose")
	serveCmdConfig.PidFile = viper.GetString("pidfile")

	if explicit := viper.GetString("log-level"); explicit != "" {
		serveCmdConfig.LogLevel = explicit
	} else {
		switch serveCmdConfig.Verbosity {
		case 0:
			serveCmdConfig.LogLevel = "warning"
		case 1:
			serveCmdConfig.LogLevel = "info"
		default:
			serveCmdConfig.LogLevel = "debug"
		}
	}

	return nil
}

// run starts the listener and blocks until SIGINT or SIGTERM.
func run(_ *cobra.Command, _ []string) error {
	if serveCmdConfig.Daemonize {
		if err := daemonize(serveCmdConfig.PidFile); err != nil {
			return fmt.Errorf("daemonize: %v", err)
		}
	}

	common.InitLoggers(serveCmdConfig.LogLevel)
	log := common.CreateLogger("cmd")
	log.Infof("starting jimcached\n%s", serveCmdConfig.String())

	domain := reclaim.New()
	cache := store.New(domain, serveCmdConfig.MaxBytes())

	cfg := server.DefaultConfig()
	cfg.Threads = serveCmdConfig.Threads

	addr := fmt.Sprintf(":%d", serveCmdConfig.Port)
	ln, err := server.NewListener(addr, cache, domain, cfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %v", addr, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %v, shutting down", s)
		ln.Close()
	}()

	return ln.Serve()
}

// initConfig reads .env/.env.local and wires environment variables into
// viper, matching the teacher's cmd/serve.initConfig exactly except for
// the environment variable prefix.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("jimcached")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
