package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/outofforest/sectorscan"
	"github.com/outofforest/sectorscan/command"
	"github.com/outofforest/sectorscan/scanner"
	"github.com/outofforest/sectorscan/types"
)

const (
	// MaxPrintSize is the maximum number of bytes printed by one command.
	MaxPrintSize = 64 * 1024

	// chunkSize is the number of bytes read at once when searching for bytes or strings.
	chunkSize = 1024 * 1024

	// maxStringMatch is the longest regular expression match guaranteed to be found across chunk boundaries.
	maxStringMatch = 4 * 1024
)

// ErrExit is returned by Execute when exit command is executed.
var ErrExit = errors.New("exit requested")

// Dev is the interface required from the device.
type Dev interface {
	types.Dev
	io.ReadSeeker
}

// Session executes commands against the device.
type Session struct {
	dev    Dev
	config scanner.Config
	idx    *sectorscan.Index
	cursor int64
}

// New creates new session. If idx is nil it is built before first use.
func New(dev Dev, idx *sectorscan.Index, config scanner.Config) *Session {
	return &Session{
		dev:    dev,
		config: config,
		idx:    idx,
	}
}

// Cursor returns the current position of the cursor.
func (s *Session) Cursor() int64 {
	return s.cursor
}

// Config returns settings used to build the index.
func (s *Session) Config() scanner.Config {
	return s.config
}

// Execute executes the command and returns the output to be presented to the user.
func (s *Session) Execute(ctx context.Context, cmd command.Command) (string, error) {
	switch c := cmd.(type) {
	case command.None:
		return "", nil
	case command.Exit:
		return "", ErrExit
	case command.Help:
		return command.HelpText(c.Topic), nil
	case command.Seek:
		return s.seek(c)
	case command.Find:
		return s.find(ctx, c)
	case command.Print:
		return s.print(c)
	case command.Config:
		return s.configure(c)
	default:
		return "", errors.Errorf("unsupported command %T", cmd)
	}
}

// Index returns the index of the device, building it if settings changed.
// If building fails, the index of sectors confirmed before the failure is returned together with the error.
// Such index is not kept, so the next call builds it again.
func (s *Session) Index(ctx context.Context) (*sectorscan.Index, error) {
	if s.idx != nil {
		return s.idx, nil
	}

	idx, err := sectorscan.Build(ctx, s.dev, s.config)
	if err != nil {
		return idx, errors.Wrap(err, "building index failed")
	}
	s.idx = idx
	return idx, nil
}

func (s *Session) seek(c command.Seek) (string, error) {
	target := c.Offset
	if c.Mode == command.SeekRelative {
		target = s.cursor + c.Offset
		if (c.Offset > 0 && target < s.cursor) || (c.Offset < 0 && target > s.cursor) {
			return "", errors.Errorf("seek by %d from offset %d failed: offset overflowed", c.Offset, s.cursor)
		}
	}
	if target < 0 || target > s.dev.Size() {
		return "", errors.Errorf("seek to offset %d failed: offset must be between 0 and %d", target, s.dev.Size())
	}

	s.cursor = target
	return fmt.Sprintf("cursor at offset %d (0x%x)", s.cursor, s.cursor), nil
}

func (s *Session) find(ctx context.Context, c command.Find) (string, error) {
	var offset int64
	var found bool
	var err error
	switch c.Mode {
	case command.FindNonZero:
		offset, found, err = s.findNonZero(ctx)
	case command.FindBytes:
		offset, found, err = s.scan(ctx, len(c.Bytes)-1, func(b []byte) int {
			return bytes.Index(b, c.Bytes)
		})
	case command.FindString:
		offset, found, err = s.scan(ctx, maxStringMatch, func(b []byte) int {
			loc := c.Pattern.FindIndex(b)
			if loc == nil {
				return -1
			}
			return loc[0]
		})
	default:
		return "", errors.Errorf("unsupported find mode %d", c.Mode)
	}
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("no match found after offset %d", s.cursor), nil
	}

	s.cursor = offset
	return fmt.Sprintf("found at offset %d (0x%x)", offset, offset), nil
}

// findNonZero skips sectors known to be empty and then looks for the nonzero byte inside the occupied sector.
func (s *Session) findNonZero(ctx context.Context) (int64, bool, error) {
	idx, buildErr := s.Index(ctx)
	if idx == nil {
		return 0, false, buildErr
	}
	if buildErr != nil {
		log.Error.Printf("%s, searching sectors indexed before the failure", buildErr)
	}

	sector := make([]byte, idx.SectorSize)
	for offset := s.cursor; ; {
		if err := ctx.Err(); err != nil {
			return 0, false, errors.WithStack(err)
		}

		next, ok := idx.NextOccupiedOffset(offset)
		if !ok {
			return 0, false, buildErr
		}
		end := idx.SectorSize.Offset(idx.SectorSize.SectorOf(next) + 1)
		if end > s.dev.Size() {
			end = s.dev.Size()
		}

		b := sector[:end-next]
		if _, err := s.dev.ReadAt(b, next); err != nil && !errors.Is(err, io.EOF) {
			return 0, false, errors.Wrapf(err, "find nonzero at offset %d failed", next)
		}
		for i, v := range b {
			if v != 0 {
				return next + int64(i), true, nil
			}
		}
		offset = end
	}
}

// scan reads the device in chunks starting at the cursor. Consecutive chunks overlap by the provided number of bytes
// so matches crossing chunk boundaries are found.
func (s *Session) scan(ctx context.Context, overlap int, match func(b []byte) int) (int64, bool, error) {
	if overlap < 0 {
		overlap = 0
	}
	buf := make([]byte, chunkSize+overlap)
	size := s.dev.Size()
	for offset := s.cursor; offset < size; {
		if err := ctx.Err(); err != nil {
			return 0, false, errors.WithStack(err)
		}

		n, err := s.dev.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, false, errors.Wrapf(err, "find at offset %d failed", offset)
		}
		if n == 0 {
			break
		}
		if i := match(buf[:n]); i >= 0 {
			return offset + int64(i), true, nil
		}
		if offset+int64(n) >= size || n <= overlap {
			break
		}
		offset += int64(n - overlap)
	}
	return 0, false, nil
}

func (s *Session) print(c command.Print) (string, error) {
	if c.Count > MaxPrintSize {
		return "", errors.Errorf("print of %d bytes at offset %d failed: at most %d bytes might be printed",
			c.Count, s.cursor, MaxPrintSize)
	}

	count := int64(c.Count)
	if remaining := s.dev.Size() - s.cursor; count > remaining {
		count = remaining
	}
	if count == 0 {
		return "", nil
	}

	if _, err := s.dev.Seek(s.cursor, io.SeekStart); err != nil {
		return "", errors.Wrapf(err, "print at offset %d failed", s.cursor)
	}
	b := make([]byte, count)
	if _, err := io.ReadFull(s.dev, b); err != nil {
		return "", errors.Wrapf(err, "print of %d bytes at offset %d failed", count, s.cursor)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d bytes (%s) at offset %d:\n", count, data.Size(count), s.cursor)
	dump(&sb, s.cursor, b)
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (s *Session) configure(c command.Config) (string, error) {
	if !c.HasValue {
		var sb strings.Builder
		keys := command.ConfigKeys
		if c.Key != "" {
			keys = []command.ConfigKey{c.Key}
		}
		for i, key := range keys {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(s.describe(key))
		}
		return sb.String(), nil
	}

	config := s.config
	switch c.Key {
	case command.ConfigSectorSize:
		config.SectorSize = types.SectorSize(c.Value)
	case command.ConfigGapThreshold:
		config.GapThreshold = c.Value
	default:
		return "", errors.Errorf("unsupported config option '%s'", c.Key)
	}
	if err := config.Validate(); err != nil {
		return "", errors.Wrapf(err, "setting %s to %d failed", c.Key, c.Value)
	}

	if config != s.config {
		s.config = config
		s.idx = nil
		log.Printf("%s set to %d, index will be rebuilt", c.Key, c.Value)
	}
	return s.describe(c.Key), nil
}

func (s *Session) describe(key command.ConfigKey) string {
	switch key {
	case command.ConfigSectorSize:
		return fmt.Sprintf("%s: %d", key, s.config.SectorSize)
	case command.ConfigGapThreshold:
		if s.config.GapThreshold == 0 {
			return fmt.Sprintf("%s: 0 (adaptive)", key)
		}
		return fmt.Sprintf("%s: %d", key, s.config.GapThreshold)
	default:
		return ""
	}
}

// dump writes the bytes in the `hexdump -C` layout, using absolute offsets.
func dump(w io.Writer, offset int64, b []byte) {
	const width = 16

	for i := 0; i < len(b); i += width {
		line := b[i:]
		if len(line) > width {
			line = line[:width]
		}

		fmt.Fprintf(w, "%016x ", offset+int64(i))
		for j := 0; j < width; j++ {
			if j == width/2 {
				fmt.Fprint(w, " ")
			}
			if j < len(line) {
				fmt.Fprintf(w, " %02x", line[j])
			} else {
				fmt.Fprint(w, "   ")
			}
		}

		fmt.Fprint(w, "  |")
		for _, v := range line {
			if v < 0x20 || v > 0x7e {
				v = '.'
			}
			fmt.Fprintf(w, "%c", v)
		}
		fmt.Fprintln(w, "|")
	}
}
