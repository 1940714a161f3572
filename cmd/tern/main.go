// tern: toolchain and execution node for the tern virtual machine.
//
// The binary bundles the assembler, the disassembler, a local runner,
// the node, and a remote execution client behind one set of
// subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/asm"
	"github.com/ternvm/tern/pkg/client"
	"github.com/ternvm/tern/pkg/feed"
	"github.com/ternvm/tern/pkg/hostcall"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/rpc"
	"github.com/ternvm/tern/pkg/runner"
	"github.com/ternvm/tern/pkg/service"
	"github.com/ternvm/tern/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "asm":
		err = cmdAsm(args)
	case "dis":
		err = cmdDis(args)
	case "run":
		err = cmdRun(args)
	case "serve":
		err = cmdServe(args)
	case "exec":
		err = cmdExec(args)
	case "watch":
		err = cmdWatch(args)
	case "version":
		fmt.Printf("tern %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "tern: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tern is the toolchain and execution node for the tern virtual machine.

Usage:

  tern <command> [flags] [arguments]

Commands:

  asm      assemble a source file into a program image
  dis      disassemble a program image
  run      execute a program image locally
  serve    run an execution node (JSON-RPC, event feed, dashboard)
  exec     execute a program on a remote node
  watch    stream run events from a node's feed
  version  print version information

Run "tern <command> -h" for the command's flags.
`)
}

func imageName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// loadImage reads a program image from path. A file that is not a
// serialized image is treated as assembler source.
func loadImage(path string) (*image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := image.Deserialize(data)
	if errors.Is(err, image.ErrNotAnImage) {
		return asm.Assemble(imageName(path), data)
	}
	return img, err
}

func cmdAsm(args []string) error {
	fs := flag.NewFlagSet("tern asm", flag.ExitOnError)
	out := fs.String("o", "", "Output path (default: source with .trn extension)")
	compress := fs.Bool("z", false, "Compress the image with zstd")
	list := fs.Bool("l", false, "Print the assembled listing to stdout")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tern asm [-o out.trn] [-z] [-l] <source>")
	}
	srcPath := fs.Arg(0)

	src, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	img, err := asm.Assemble(imageName(srcPath), src)
	if err != nil {
		return err
	}

	if *list {
		ins, err := img.Instructions()
		if err != nil {
			return err
		}
		fmt.Print(vm.Disassemble(ins))
	}

	outPath := *out
	if outPath == "" {
		outPath = strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".trn"
	}
	if err := img.WriteFile(outPath, *compress); err != nil {
		return err
	}

	id, err := img.ID()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d slots, %d data bytes, image %s\n",
		outPath, len(img.Code)/vm.InstructionSize, len(img.Data), id.Short())
	return nil
}

func cmdDis(args []string) error {
	fs := flag.NewFlagSet("tern dis", flag.ExitOnError)
	header := fs.Bool("header", false, "Print the image geometry before the listing")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tern dis [-header] <image.trn>")
	}
	img, err := loadImage(fs.Arg(0))
	if err != nil {
		return err
	}

	if *header {
		id, err := img.ID()
		if err != nil {
			return err
		}
		memSize := img.MemSize
		if memSize == 0 {
			memSize = vm.DefaultMemorySize
		}
		fmt.Printf("name:   %s\n", img.Name)
		fmt.Printf("image:  %s\n", id)
		fmt.Printf("entry:  slot %d\n", img.Entry)
		fmt.Printf("memory: %d bytes\n", memSize)
		fmt.Printf("code:   %d slots\n", len(img.Code)/vm.InstructionSize)
		if len(img.Data) > 0 {
			fmt.Printf("data:   %d bytes at %#x\n", len(img.Data), img.DataAddr)
		}
		fmt.Println()
	}

	ins, err := img.Instructions()
	if err != nil {
		return err
	}
	fmt.Print(vm.Disassemble(ins))
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("tern run", flag.ExitOnError)
	steps := fs.Uint64("steps", runner.DefaultStepBudget, "Step budget, 0 for unlimited")
	memSize := fs.Int("mem", 0, "Memory size override in bytes")
	showStatus := fs.Bool("status", false, "Print the final machine status to stderr")
	showRegs := fs.Bool("regs", false, "Print the final registers to stderr")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tern run [-steps n] [-mem bytes] [-status] [-regs] <image.trn>")
	}
	img, err := loadImage(fs.Arg(0))
	if err != nil {
		return err
	}

	host := &hostcall.Host{Stdout: os.Stdout, Stderr: os.Stderr}
	opts := &vm.Opts{
		StepBudget: *steps,
		Traps:      host.Registry(),
	}
	if *memSize > 0 {
		opts.MemorySize = *memSize
	}

	m, err := img.NewMachine(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	st, runErr := m.Run()
	elapsed := time.Since(start)

	if *showStatus {
		fmt.Fprintf(os.Stderr, "state=%s exit=%d steps=%d elapsed=%s\n",
			st.State, st.ExitCode, st.Steps, elapsed.Round(time.Microsecond))
	}
	if *showRegs {
		for i, v := range m.Registers() {
			fmt.Fprintf(os.Stderr, "r%-2d = %#016x\n", i, v)
		}
	}

	switch st.State {
	case vm.StateFaulted:
		return fmt.Errorf("fault after %d steps: %v", st.Steps, runErr)
	case vm.StateTrapped:
		return fmt.Errorf("parked on trap %d after %d steps", st.TrapCode, st.Steps)
	}
	if st.ExitCode != 0 {
		os.Exit(int(uint8(st.ExitCode)))
	}
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("tern serve", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./tern-data", "Data directory for programs and run records")
	rpcAddr := fs.String("rpc-addr", ":8650", "JSON-RPC listen address")
	noRPC := fs.Bool("no-rpc", false, "Disable the JSON-RPC server")
	logRPC := fs.Bool("log-rpc", false, "Log RPC requests")
	feedAddr := fs.String("feed-addr", ":8652", "Event feed listen address")
	noFeed := fs.Bool("no-feed", false, "Disable the event feed server")
	feedToken := fs.String("feed-token", "", "Require this token from feed subscribers")
	dash := fs.Bool("dashboard", false, "Enable the web dashboard")
	dashAddr := fs.String("dashboard-addr", "", "Dashboard bind address (default loopback)")
	dashPort := fs.Int("dashboard-port", 8651, "Dashboard port")
	stepBudget := fs.Uint64("step-budget", runner.DefaultStepBudget, "Step budget per run, 0 for unlimited")
	recordTrace := fs.Bool("record-trace", false, "Record a per-instruction trace for every run")
	syncWrites := fs.Bool("sync-writes", false, "Fsync every trace store commit")
	gcInterval := fs.Duration("gc-interval", 5*time.Minute, "Trace store GC interval, 0 to disable")
	fs.Parse(args)

	log.Printf("Starting tern node %s", Version)

	node, err := service.New(&service.Config{
		DataDir:         *dataDir,
		EnableRPC:       !*noRPC,
		RPCAddr:         *rpcAddr,
		LogRPCRequests:  *logRPC,
		EnableFeed:      !*noFeed,
		FeedAddr:        *feedAddr,
		FeedToken:       *feedToken,
		EnableDashboard: *dash,
		DashboardAddr:   *dashAddr,
		DashboardPort:   *dashPort,
		StepBudget:      *stepBudget,
		RecordTrace:     *recordTrace,
		TraceSyncWrites: *syncWrites,
		GCInterval:      *gcInterval,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			return node.Stop()
		case <-ticker.C:
			st := node.Status()
			log.Printf("Status: programs=%d runs=%d steps=%d uptime=%s",
				st.Images, st.RunsExecuted, st.StepsExecuted, st.Uptime.Round(time.Second))
		}
	}
}

func cmdExec(args []string) error {
	fs := flag.NewFlagSet("tern exec", flag.ExitOnError)
	nodeURL := fs.String("node", "http://127.0.0.1:8650", "Node RPC endpoint")
	timeout := fs.Duration("timeout", 60*time.Second, "Overall deadline")
	steps := fs.Uint64("steps", 0, "Step budget override, 0 keeps the node's")
	traceRun := fs.Bool("trace", false, "Record a per-step trace on the node")
	submit := fs.Bool("submit", false, "Store the program on the node, then run it by ID")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tern exec [-node url] [-submit] [-steps n] [-trace] <image.trn>")
	}
	img, err := loadImage(fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := img.Serialize()
	if err != nil {
		return err
	}

	c := client.New(*nodeURL, client.DefaultConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var execCfg *rpc.ExecuteConfig
	if *steps > 0 || *traceRun {
		execCfg = &rpc.ExecuteConfig{Trace: *traceRun}
		if *steps > 0 {
			execCfg.StepBudget = steps
		}
	}

	var res *rpc.RunResult
	if *submit {
		sum, err := c.SubmitProgram(ctx, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "submitted %s (%d slots)\n", sum.ID, sum.CodeSlots)

		var id types.ImageID
		if err := id.UnmarshalText([]byte(sum.ID)); err != nil {
			return err
		}
		res, err = c.RunProgram(ctx, id, execCfg)
		if err != nil {
			return err
		}
	} else {
		res, err = c.ExecuteProgram(ctx, data, execCfg)
		if err != nil {
			return err
		}
	}

	if res.Output != "" {
		out, err := rpc.DecodeBase64(res.Output)
		if err != nil {
			return fmt.Errorf("decode run output: %w", err)
		}
		os.Stdout.Write(out)
	}
	fmt.Fprintf(os.Stderr, "run %s: %s exit=%d steps=%d %.2fms\n",
		res.RunID, res.State, res.ExitCode, res.Steps, res.DurationMs)

	switch res.State {
	case vm.StateFaulted.String():
		return fmt.Errorf("fault: %s", res.Fault)
	case vm.StateTrapped.String():
		return fmt.Errorf("parked on trap %d after %d steps", res.TrapCode, res.Steps)
	}
	if res.ExitCode != 0 {
		os.Exit(int(uint8(res.ExitCode)))
	}
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("tern watch", flag.ExitOnError)
	feedAddr := fs.String("feed", "127.0.0.1:8652", "Feed server address")
	token := fs.String("token", "", "Feed authentication token")
	fromSeq := fs.Uint64("from", 0, "Replay retained events starting at this sequence number")
	fs.Parse(args)

	c, err := feed.NewClient(feed.Config{
		Endpoint: *feedAddr,
		Token:    *token,
		FromSeq:  *fromSeq,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	log.Printf("Watching run events on %s", *feedAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, stopping", sig)
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			log.Printf("seq=%d %s", ev.Seq, ev)
		}
	}
}
