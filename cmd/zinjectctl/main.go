// Command zinjectctl is a small control-plane CLI for experimenting
// with the fault-injection core against an in-process injected memory
// device, adapted from cmd/ublk-mem's flag-driven bring-up style.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/behrlich/go-zinject"
	zbackend "github.com/behrlich/go-zinject/backend"
	"github.com/behrlich/go-zinject/internal/logging"
)

// demoVdevGUID identifies the single vdev the demonstrator targets; zinjectctl is a
// local experimentation tool, not a pool manager, so its GUID is fixed.
const demoVdevGUID uint64 = 1

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	logger := logging.NewLogger(logging.DefaultConfig())
	inj := zinject.NewInjector(&zinject.Options{Logger: logger})
	mem := zbackend.NewMemory(64 << 20)
	vdev := &zinject.Vdev{GUID: demoVdevGUID, PSize: uint64(mem.Size()), Leaf: true}
	injected := zbackend.NewInjected(mem, inj, vdev, "demo", 512)

	switch cmd {
	case "inject":
		runInject(inj, args)
	case "list":
		runList(inj)
	case "clear":
		runClear(inj, args)
	case "read":
		runRead(injected, args)
	case "write":
		runWrite(injected, args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: zinjectctl <inject|list|clear|read|write> [flags]

  inject -cmd data -objset N -object N -level N -start N -end N -error EIO
  list
  clear -id N
  read  -off N -len N
  write -off N -len N`)
}

func runInject(inj *zinject.Injector, args []string) {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	var (
		cmdName = fs.String("cmd", "data", "fault kind: data|decrypt|label|device|delay-io|ignored-writes|panic|delay-import|delay-export")
		objset  = fs.Uint64("objset", 0, "target objset")
		object  = fs.Uint64("object", 0, "target object")
		level   = fs.Int64("level", 0, "target level")
		start   = fs.Uint64("start", 0, "range start (blkid)")
		end     = fs.Uint64("end", 0, "range end")
		errName = fs.String("error", "EIO", "errno to inject (EIO, EILSEQ, ENXIO, ...)")
		freq    = fs.Uint("freq", 0, "frequency (0 = always)")
		guid    = fs.Uint64("guid", demoVdevGUID, "target vdev guid (device/label/delay-io)")
		nlanes  = fs.Uint("nlanes", 1, "delay-io lane count")
		timer   = fs.Int64("timer", 0, "delay-io per-lane service time, nanoseconds")
		pool    = fs.String("pool", "demo", "pool name")
	)
	fs.Parse(args)

	rec := &zinject.Record{
		Cmd:    parseCmd(*cmdName),
		Objset: *objset,
		Object: *object,
		Level:  *level,
		Start:  *start,
		End:    *end,
		Error:  parseErrno(*errName),
		Freq:   uint32(*freq),
		GUID:   *guid,
		NLanes: uint16(*nlanes),
		Timer:  *timer,
	}

	id, err := inj.InjectFault(*pool, 0, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inject failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered handler id=%d\n", id)
}

func runList(inj *zinject.Injector) {
	id := 0
	for {
		nextID, pool, rec, err := inj.ListNext(id)
		if err != nil {
			break
		}
		fmt.Printf("id=%d pool=%s cmd=%s objset=%d object=%d level=%d range=[%d,%d] error=%v matches=%d injects=%d\n",
			nextID, pool, rec.Cmd, rec.Objset, rec.Object, rec.Level, rec.Start, rec.End, rec.Error,
			rec.MatchCount.Load(), rec.InjectCount.Load())
		id = nextID
	}
}

func runClear(inj *zinject.Injector, args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	id := fs.Int("id", 0, "handler id to clear")
	fs.Parse(args)

	if err := inj.ClearFault(*id); err != nil {
		fmt.Fprintf(os.Stderr, "clear failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cleared handler id=%d\n", *id)
}

func runRead(b *zbackend.Injected, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	off := fs.Int64("off", 0, "byte offset")
	length := fs.Int("len", 512, "bytes to read")
	fs.Parse(args)

	buf := make([]byte, *length)
	n, err := b.ReadAt(buf, *off)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("read %d bytes at offset %d\n", n, *off)
}

func runWrite(b *zbackend.Injected, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	off := fs.Int64("off", 0, "byte offset")
	length := fs.Int("len", 512, "bytes to write")
	fs.Parse(args)

	buf := make([]byte, *length)
	for i := range buf {
		buf[i] = 0xAA
	}
	n, err := b.WriteAt(buf, *off)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d bytes at offset %d\n", n, *off)
}

func parseCmd(s string) zinject.Cmd {
	switch strings.ToLower(s) {
	case "data":
		return zinject.CmdDataFault
	case "decrypt":
		return zinject.CmdDecryptFault
	case "label":
		return zinject.CmdLabelFault
	case "device":
		return zinject.CmdDeviceFault
	case "delay-io":
		return zinject.CmdDelayIO
	case "ignored-writes":
		return zinject.CmdIgnoredWrites
	case "panic":
		return zinject.CmdPanic
	case "delay-import":
		return zinject.CmdDelayImport
	case "delay-export":
		return zinject.CmdDelayExport
	default:
		return zinject.CmdDataFault
	}
}

func parseErrno(s string) syscall.Errno {
	switch strings.ToUpper(s) {
	case "EIO":
		return syscall.EIO
	case "EILSEQ":
		return syscall.EILSEQ
	case "ENXIO":
		return syscall.ENXIO
	case "EINVAL":
		return syscall.EINVAL
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return syscall.Errno(n)
		}
		return syscall.EIO
	}
}
