package diskinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/base/data"
	"github.com/pkg/errors"
)

// PartitionsFile is the kernel file listing block devices and partitions.
const PartitionsFile = "/proc/partitions"

// Disk describes the block device available for scanning.
type Disk struct {
	Name string
	Path string
	Size data.Size
}

// List returns block devices available in the system.
func List() ([]Disk, error) {
	f, err := os.Open(PartitionsFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse parses the content of the partitions file.
func Parse(r io.Reader) ([]Disk, error) {
	var disks []Disk
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 4 || fields[0] == "major" {
			continue
		}

		blocks, err := strconv.ParseUint(fields[2], 10, 63)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid number of blocks of device %s", fields[3])
		}
		disks = append(disks, Disk{
			Name: fields[3],
			Path: "/dev/" + fields[3],
			// Sizes are reported in 1KiB blocks.
			Size: data.Size(blocks * 1024),
		})
	}
	if err := s.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return disks, nil
}

// Table formats disks as a table with columns aligned. Rows are numbered so they might be selected by the number.
func Table(disks []Disk) string {
	buf := &bytes.Buffer{}
	w := tabwriter.NewWriter(buf, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tPATH\tSIZE")
	for i, d := range disks {
		fmt.Fprintf(w, "[%d]\t%s\t%s\t%s\n", i, d.Name, d.Path, d.Size)
	}
	_ = w.Flush()
	return buf.String()
}

// Select returns the path of the disk identified by its number in the table. If selection is not a number it is
// returned as the path.
func Select(disks []Disk, selection string) (string, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" {
		return "", errors.New("empty selection")
	}

	index, err := strconv.Atoi(selection)
	if err != nil {
		return selection, nil
	}
	if index < 0 || index >= len(disks) {
		if len(disks) == 0 {
			return "", errors.Errorf("'%d' does not correspond to a disk, enter the path of the device", index)
		}
		return "", errors.Errorf("'%d' does not correspond to a disk, enter a number between 0 and %d (inclusive)",
			index, len(disks)-1)
	}
	return disks[index].Path, nil
}
