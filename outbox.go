/*
Outbox - durable outbound email dispatcher.
Copyright © 2021-2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package outbox ties the framework and the module implementations
// together into the runnable dispatcher daemon.
package outbox

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	parser "github.com/outboxd/outbox/framework/cfgparser"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/hooks"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
	outboxcli "github.com/outboxd/outbox/internal/cli"
	"github.com/urfave/cli/v2"
)

// ConfigDirectory specifies platform-specific value
// that should be used as a location of main configuration file.
//
// It should not be changed and is defined as a variable
// only for purposes of modification using -X linker flag.
var ConfigDirectory = "/etc/outbox"

// DefaultStateDirectory specifies platform-specific
// default for state_dir.
//
// Most code should use config.StateDirectory instead
// since it will contain the actual directory path.
//
// It should not be changed and is defined as a variable
// only for purposes of modification using -X linker flag.
var DefaultStateDirectory = "/var/lib/outbox"

// DefaultRuntimeDirectory specifies platform-specific
// default for runtime_dir.
//
// Most code should use config.RuntimeDirectory instead
// since it will contain the actual directory path.
//
// It should not be changed and is defined as a variable
// only for purposes of modification using -X linker flag.
var DefaultRuntimeDirectory = "/run/outbox"

// DefaultLibexecDirectory specifies platform-specific
// default for libexec_dir.
//
// Most code should use config.LibexecDirectory instead
// since it will contain the actual directory path.
//
// It should not be changed and is defined as a variable
// only for purposes of modification using -X linker flag.
var DefaultLibexecDirectory = "/usr/lib/outbox"

var (
	profileEndpoint   = flag.String("debug.pprof", "", "enable live profiler HTTP endpoint and listen on the specified endpoint")
	blockProfileRate  = flag.Int("debug.blockprofrate", 0, "set blocking profile rate")
	mutexProfileFract = flag.Int("debug.mutexproffract", 0, "set mutex profile fraction")
)

func init() {
	outboxcli.AddGlobalFlag(
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"OUTBOXD_CONFIG"},
			Value:   filepath.Join(ConfigDirectory, "outbox.conf"),
		},
	)
	outboxcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the dispatcher",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging early",
				Destination: &log.DefaultLogger.Debug,
			},
			&cli.StringFlag{
				Name:        "libexec",
				Value:       DefaultLibexecDirectory,
				Usage:       "path to the libexec directory",
				Destination: &config.LibexecDirectory,
			},
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "default logging target(s)",
				Value: cli.NewStringSlice("stderr"),
			},
			&cli.BoolFlag{
				Name:   "v",
				Usage:  "print version and exit",
				Hidden: true,
			},
		},
		Action: Run,
	})
	outboxcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and exit",
		Action: func(c *cli.Context) error {
			fmt.Println(BuildInfo())
			return nil
		},
	})
}

// Run is the entry point for all dispatcher-running code. It takes care of
// logging initialization, directives setup, configuration reading. After all
// that, it calls moduleMain to initialize and run modules.
func Run(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintln("usage:", os.Args[0], "run [options]"), 2)
	}

	if c.Bool("v") {
		fmt.Println("outbox", BuildInfo())
		return nil
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(c.StringSlice("log"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	initDebug()

	f, err := os.Open(c.Path("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer f.Close()

	cfg, err := parser.Read(f, c.Path("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	defer log.DefaultLogger.Out.Close()

	if err := moduleMain(cfg); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

func initDebug() {
	if *profileEndpoint != "" {
		go func() {
			log.Println("listening on", "http://"+*profileEndpoint, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(*profileEndpoint, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if argument is specified.
	if *mutexProfileFract != 0 {
		runtime.SetMutexProfileFraction(*mutexProfileFract)
	}
	if *blockProfileRate != 0 {
		runtime.SetBlockProfileRate(*blockProfileRate)
	}
}

// InitDirs sets up the state, runtime and libexec directories and changes
// the working directory to the state directory so relative paths in the
// configuration are resolved against it.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}
	if !filepath.IsAbs(config.LibexecDirectory) {
		return errors.New("-libexec should be absolute")
	}

	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// ReadGlobals parses the top-level directives that are not module blocks.
//
// Returned map contains the global values for inheritance by module
// configuration and the slice contains the blocks left for RegisterModules.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.String("hostname", false, false, "", nil)
	globals.String("primary_domain", false, false, "", nil)
	globals.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

func moduleMain(cfg []config.Node) error {
	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}

	if err := InitDirs(); err != nil {
		return err
	}

	defer hooks.RunHooks(hooks.EventShutdown)

	hooks.AddHook(hooks.EventLogRotate, reinitLogging)

	mods, err := RegisterModules(globals, modBlocks)
	if err != nil {
		return err
	}

	if err := initModules(mods); err != nil {
		return err
	}

	systemdStatus(SDReady, "Dispatching queued messages...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for in-flight deliveries to finish...")

	return nil
}

// ModInfo pairs a constructed module instance with the config block that
// defined it. Initialization is deferred to initModules or the first
// reference from another module.
type ModInfo struct {
	Instance module.Module
	Cfg      config.Node
}

// RegisterModules constructs modules for all top-level config blocks and
// adds them to the global instance registry without initializing them.
func RegisterModules(globals map[string]interface{}, nodes []config.Node) (mods []ModInfo, err error) {
	mods = make([]ModInfo, 0, len(nodes))

	for _, block := range nodes {
		var instName string
		var modAliases []string
		if len(block.Args) == 0 {
			instName = block.Name
		} else {
			instName = block.Args[0]
			modAliases = block.Args[1:]
		}

		modName := block.Name

		factory := module.Get(modName)
		if factory == nil {
			return nil, config.NodeErr(block, "unknown module or global directive: %s", modName)
		}

		if module.HasInstance(instName) {
			return nil, config.NodeErr(block, "config block named %s already exists", instName)
		}

		inst, err := factory(modName, instName, modAliases, nil)
		if err != nil {
			return nil, err
		}

		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range modAliases {
			if module.HasInstance(alias) {
				return nil, config.NodeErr(block, "config block named %s already exists", alias)
			}
			module.RegisterAlias(alias, instName)
		}

		mods = append(mods, ModInfo{Instance: inst, Cfg: block})
	}

	return mods, nil
}

// initModules eagerly initializes all dispatch blocks. Any other block is
// initialized when first referenced from one of them and it is an error
// for a block to remain unreferenced.
func initModules(mods []ModInfo) error {
	dispatchers := 0
	for _, inst := range mods {
		if inst.Instance.Name() != "dispatch" {
			continue
		}
		dispatchers++

		if _, err := module.GetInstance(inst.Instance.InstanceName()); err != nil {
			return err
		}
	}
	if dispatchers == 0 {
		return errors.New("at least one dispatch block is required")
	}

	for _, inst := range mods {
		if module.Initialized[inst.Instance.InstanceName()] {
			continue
		}

		return fmt.Errorf("unused configuration block at %s:%d - %s (%s)",
			inst.Cfg.File, inst.Cfg.Line, inst.Instance.InstanceName(), inst.Instance.Name())
	}

	return nil
}

// logTargets is the last set of arguments passed to LogOutputOption,
// reused by reinitLogging to reopen the same outputs.
var logTargets []string

// LogOutputOption builds the log output implementation for the specified
// set of targets. Each target is either one of the keywords below or a
// path of a log file.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			logTargets = args
			return log.NopOutput{}, nil
		default:
			// Log file paths are converted to absolute to make sure
			// reinitLogging will recreate them at the right location
			// after the working directory changed to the state dir.
			absPath, err := filepath.Abs(arg)
			if err != nil {
				return nil, err
			}
			w, err := os.OpenFile(absPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}

			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	logTargets = args

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func logOutput(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}

	return LogOutputOption(node.Args)
}

func defaultLogOutput() (interface{}, error) {
	// Return whatever Run installed from the --log flag so the absent
	// directive does not override it.
	return log.DefaultLogger.Out, nil
}

// reinitLogging reopens all log outputs using the last applied target
// set. It runs on the log rotation hook so renamed files are recreated.
func reinitLogging() {
	if len(logTargets) == 0 {
		return
	}

	newOut, err := LogOutputOption(logTargets)
	if err != nil {
		log.Println("failed to reopen log outputs:", err)
		return
	}

	oldOut := log.DefaultLogger.Out
	log.DefaultLogger.Out = newOut
	if err := oldOut.Close(); err != nil {
		log.Println("failed to close old log outputs:", err)
	}
}
