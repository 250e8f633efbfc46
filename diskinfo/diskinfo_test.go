package diskinfo

import (
	"strings"
	"testing"

	"github.com/grailbio/base/data"
	"github.com/stretchr/testify/require"
)

const partitions = `major minor  #blocks  name

   8        0  500107608 sda
   8        1     524288 sda1
 259        0 1000204886 nvme0n1
`

func TestParse(t *testing.T) {
	requireT := require.New(t)

	disks, err := Parse(strings.NewReader(partitions))
	requireT.NoError(err)
	requireT.Equal([]Disk{
		{Name: "sda", Path: "/dev/sda", Size: data.Size(500107608 * 1024)},
		{Name: "sda1", Path: "/dev/sda1", Size: data.Size(524288 * 1024)},
		{Name: "nvme0n1", Path: "/dev/nvme0n1", Size: data.Size(1000204886 * 1024)},
	}, disks)
}

func TestParseInvalid(t *testing.T) {
	requireT := require.New(t)

	_, err := Parse(strings.NewReader("8 0 many sda\n"))
	requireT.Error(err)

	disks, err := Parse(strings.NewReader(""))
	requireT.NoError(err)
	requireT.Empty(disks)
}

func TestTable(t *testing.T) {
	requireT := require.New(t)

	disks, err := Parse(strings.NewReader(partitions))
	requireT.NoError(err)

	lines := strings.Split(strings.TrimSuffix(Table(disks), "\n"), "\n")
	requireT.Len(lines, 4)
	requireT.Contains(lines[0], "NAME")
	requireT.True(strings.HasPrefix(lines[1], "[0]"))
	requireT.Contains(lines[3], "/dev/nvme0n1")

	// Columns are aligned.
	requireT.Equal(strings.Index(lines[0], "PATH"), strings.Index(lines[1], "/dev/sda"))
	requireT.Equal(strings.Index(lines[1], "/dev/sda"), strings.Index(lines[3], "/dev/nvme0n1"))
}

func TestSelect(t *testing.T) {
	requireT := require.New(t)

	disks, err := Parse(strings.NewReader(partitions))
	requireT.NoError(err)

	path, err := Select(disks, " 2 ")
	requireT.NoError(err)
	requireT.Equal("/dev/nvme0n1", path)

	path, err = Select(disks, "/tmp/image.bin")
	requireT.NoError(err)
	requireT.Equal("/tmp/image.bin", path)

	_, err = Select(disks, "3")
	requireT.Error(err)
	requireT.Contains(err.Error(), "between 0 and 2")

	_, err = Select(disks, "-1")
	requireT.Error(err)

	_, err = Select(disks, "  ")
	requireT.Error(err)

	_, err = Select(nil, "0")
	requireT.Error(err)
}
