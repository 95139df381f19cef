package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/boardcount"
	"github.com/usnistgov/boardcount/internal/asyncbufio"
	"github.com/usnistgov/boardcount/internal/sessiondb"
	"github.com/usnistgov/boardcount/trion"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper(dotBoardcount string) error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("simulation.boards", 4)
	viper.SetDefault("simulation.realtime", true)
	viper.SetDefault("skewlog", "")
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.address", "localhost:9000")

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotBoardcount, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/boardcount"))
	viper.AddConfigPath(dotBoardcount)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// startDatabase connects to the session database if the configuration asks for it.
func startDatabase(abort <-chan struct{}) *sessiondb.Connection {
	if !viper.GetBool("database.enabled") {
		return sessiondb.Dummy()
	}
	host, _ := os.Hostname()
	session := &sessiondb.SessionMessage{
		ID:        sessiondb.NewID(),
		Hostname:  host,
		Githash:   githash,
		Version:   boardcount.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     boardcount.StartTime,
	}
	db := sessiondb.Start(viper.GetString("database.address"), session, abort)
	if !db.IsConnected() {
		boardcount.ProblemLogger.Printf("session database not connected: %v", db.Err())
	}
	return db
}

// startSkewLog opens the file named by the skewlog key, if any, behind a writer
// that never blocks the polling source.
func startSkewLog() (*asyncbufio.Writer, *os.File) {
	name := viper.GetString("skewlog")
	if name == "" {
		return nil, nil
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		boardcount.ProblemLogger.Printf("could not open skew log: %v", err)
		return nil, nil
	}
	fmt.Printf("Logging skew reports   to %s\n", name)
	return asyncbufio.NewWriter(f, 1024, time.Second), f
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	boardcount.Build.Date = buildDate
	boardcount.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	nboards := flag.Int("boards", -1, "number of simulated MULTI boards (default from config)")
	realtime := flag.Bool("realtime", true, "pace simulated DMA blocks at the sample rate")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is boardcount version %s\n", boardcount.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is boardcount version %s (git commit %s)\n", boardcount.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dotBoardcount := filepath.Join(HOME, ".boardcount")
	logdir := filepath.Join(dotBoardcount, "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	boardcount.ProblemLogger = startLogger(problemname)
	boardcount.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	boardcount.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(dotBoardcount); err != nil {
		panic(err)
	}
	if _, err := boardcount.CheckRealtimeHost(); err != nil {
		boardcount.ProblemLogger.Println(err)
	}

	if *nboards < 0 {
		*nboards = viper.GetInt("simulation.boards")
	}
	drv := trion.NewNoHardware(*nboards)
	drv.SetRealtime(*realtime && viper.GetBool("simulation.realtime"))
	if viper.GetBool("Verbose") {
		fmt.Println(drv.Inspect())
	}

	abort := make(chan struct{})
	db := startDatabase(abort)
	updates, messages := boardcount.NewClientUpdateQueue()
	go func() {
		if err := boardcount.RunClientUpdater(messages, boardcount.Ports.Status, abort); err != nil {
			boardcount.ProblemLogger.Printf("client updater: %v", err)
		}
	}()

	sourceControl := boardcount.NewSourceControl(drv, updates, db)
	skewlog, skewfile := startSkewLog()
	if skewlog != nil {
		sourceControl.SetSkewLog(skewlog)
	}
	if err := boardcount.RunRPCServer(sourceControl, boardcount.Ports.RPC, true); err != nil {
		boardcount.ProblemLogger.Println(err)
	}
	close(abort)
	if skewlog != nil {
		skewlog.Close()
		skewfile.Close()
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
