// Sectorscan builds the index of occupied sectors of a block device or image file and lets the user navigate its
// content.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan"
	"github.com/outofforest/sectorscan/command"
	"github.com/outofforest/sectorscan/diskinfo"
	"github.com/outofforest/sectorscan/persistence"
	"github.com/outofforest/sectorscan/pkg/filedev"
	"github.com/outofforest/sectorscan/scanner"
	"github.com/outofforest/sectorscan/session"
	"github.com/outofforest/sectorscan/types"
)

const prompt = "> "

type flags struct {
	device       string
	sectorSize   uint64
	gapThreshold uint64
	workers      int
	bufferSize   int
	index        string
	list         bool
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: sectorscan [flags]

Sectorscan scans the device, recording which sectors contain any nonzero byte,
and then accepts commands moving the cursor over the device and printing its content.
Enter 'help' at the prompt for the list of commands.

`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	var f flags
	flag.StringVar(&f.device, "device", "", "path of the device or image file, selected interactively if empty")
	flag.Uint64Var(&f.sectorSize, "sector-size", uint64(types.SectorSize4K), "sector size: 1, 1024, 4096 or 16384")
	flag.Uint64Var(&f.gapThreshold, "gap-threshold", 0,
		"number of empty sectors closing the segment, 0 selects the adaptive default")
	flag.IntVar(&f.workers, "workers", 0, "number of classifying goroutines, 0 means number of CPUs")
	flag.IntVar(&f.bufferSize, "buffer", scanner.DefaultBufferSize, "size of each of the two read buffers")
	flag.StringVar(&f.index, "index", "", "index file loaded if it exists, built and saved otherwise")
	flag.BoolVar(&f.list, "list", false, "list available devices and exit")
	log.AddFlags()
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
	}

	if err := run(context.Background(), f, os.Stdin, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, f flags, stdin io.Reader, stdout, stderr io.Writer) error {
	in := bufio.NewScanner(stdin)

	disks, err := diskinfo.List()
	if err != nil {
		log.Error.Printf("listing devices failed: %s", err)
	}
	if f.list {
		fmt.Fprint(stdout, diskinfo.Table(disks))
		return nil
	}

	config := scanner.DefaultConfig(types.SectorSize(f.sectorSize))
	config.GapThreshold = f.gapThreshold
	config.BufferSize = f.bufferSize
	if f.workers > 0 {
		config.Workers = f.workers
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dev, err := openDevice(f.device, disks, in, stdout, stderr)
	if err != nil {
		return err
	}
	defer dev.Close()

	idx, err := loadIndex(ctx, f.index, dev, config)
	if err != nil {
		return err
	}

	return repl(ctx, session.New(dev, idx, config), in, stdout, stderr)
}

func openDevice(
	path string,
	disks []diskinfo.Disk,
	in *bufio.Scanner,
	stdout, stderr io.Writer,
) (*filedev.FileDev, error) {
	if path != "" {
		return filedev.Open(path)
	}

	fmt.Fprintln(stdout, "Select one of the devices below by entering its corresponding number")
	fmt.Fprintln(stdout, "or manually enter the absolute path of the file/device to read from.")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, diskinfo.Table(disks))

	for {
		fmt.Fprint(stdout, "\n"+prompt)
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return nil, errors.WithStack(err)
			}
			return nil, errors.New("no device selected")
		}

		path, err := diskinfo.Select(disks, in.Text())
		if err == nil {
			var dev *filedev.FileDev
			dev, err = filedev.Open(path)
			if err == nil {
				return dev, nil
			}
		}
		fmt.Fprintf(stderr, "error: %s\n", err)
	}
}

func loadIndex(
	ctx context.Context,
	path string,
	dev *filedev.FileDev,
	config scanner.Config,
) (*sectorscan.Index, error) {
	if path != "" {
		exists, err := persistence.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		if exists {
			idx, err := persistence.Load(ctx, path)
			if err != nil {
				return nil, err
			}
			matches, err := indexMatches(idx, dev, config)
			if err != nil {
				return nil, err
			}
			if matches {
				return idx, nil
			}
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	idx, err := sectorscan.Build(ctx, dev, config)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := persistence.Save(ctx, path, idx); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func indexMatches(idx *sectorscan.Index, dev *filedev.FileDev, config scanner.Config) (bool, error) {
	if idx.DeviceSize != dev.Size() || idx.SectorSize != config.SectorSize {
		log.Printf("index was built for device of %s with sector size %d, rebuilding it",
			data.Size(idx.DeviceSize), idx.SectorSize)
		return false, nil
	}

	fingerprint, err := sectorscan.Fingerprint(dev)
	if err != nil {
		return false, err
	}
	if fingerprint != idx.Fingerprint {
		log.Printf("index was built for another device, fingerprint: %016x, expected: %016x, rebuilding it",
			idx.Fingerprint, fingerprint)
		return false, nil
	}
	return true, nil
}

func repl(ctx context.Context, s *session.Session, in *bufio.Scanner, stdout, stderr io.Writer) error {
	for {
		fmt.Fprint(stdout, "\n"+prompt)
		if !in.Scan() {
			return errors.WithStack(in.Err())
		}

		cmd, err := command.Parse(in.Text())
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", err)
			continue
		}

		out, err := execute(ctx, s, cmd)
		switch {
		case errors.Is(err, session.ErrExit):
			return nil
		case err != nil:
			fmt.Fprintf(stderr, "error: %s\n", err)
		case out != "":
			fmt.Fprintln(stdout, out)
		}
	}
}

// execute executes the command, canceling it on interrupt signal.
func execute(ctx context.Context, s *session.Session, cmd command.Command) (string, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	return s.Execute(ctx, cmd)
}
