package command

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Command is the parsed command line.
type Command interface {
	command()
}

// SeekMode defines how seek offset is interpreted.
type SeekMode int

// Seek modes.
const (
	SeekAbsolute SeekMode = iota
	SeekRelative
)

// Seek moves the cursor.
type Seek struct {
	Mode   SeekMode
	Offset int64
}

// FindMode defines what is searched for.
type FindMode int

// Find modes.
const (
	FindNonZero FindMode = iota
	FindBytes
	FindString
)

// Find searches the device starting at the cursor.
type Find struct {
	Mode    FindMode
	Bytes   []byte
	Pattern *regexp.Regexp
}

// Print prints Count bytes starting at the cursor.
type Print struct {
	Count uint64
}

// ConfigKey identifies the setting.
type ConfigKey string

// Config keys.
const (
	ConfigSectorSize   ConfigKey = "sector-size"
	ConfigGapThreshold ConfigKey = "gap-threshold"
)

// ConfigKeys lists all the config keys.
var ConfigKeys = []ConfigKey{ConfigSectorSize, ConfigGapThreshold}

// Config reports or changes the setting. Empty key means all the settings. Value is set only if HasValue is true.
type Config struct {
	Key      ConfigKey
	Value    uint64
	HasValue bool
}

// Help prints help for the topic.
type Help struct {
	Topic Topic
}

// Exit terminates the session.
type Exit struct{}

// None is returned for empty line.
type None struct{}

func (Seek) command()   {}
func (Find) command()   {}
func (Print) command()  {}
func (Config) command() {}
func (Help) command()   {}
func (Exit) command()   {}
func (None) command()   {}

// Parse parses the command line.
func Parse(line string) (Command, error) {
	cmd, remainder, ok := nextToken(line)
	if !ok {
		return None{}, nil
	}

	switch strings.ToLower(cmd) {
	case "seek":
		return parseSeek(remainder)
	case "find":
		return parseFind(remainder)
	case "print":
		return parsePrint(remainder)
	case "config":
		return parseConfig(remainder)
	case "help":
		return parseHelp(remainder)
	case "exit":
		if err := rejectAdditionalTokens(remainder, "help"); err != nil {
			return nil, err
		}
		return Exit{}, nil
	default:
		return nil, errors.Errorf("Unknown command: '%s'. Enter 'help' for a list of commands.", cmd)
	}
}

func parseSeek(s string) (Command, error) {
	mode, arguments, ok := nextToken(s)
	if !ok {
		return nil, errors.New("Missing seek mode: 'absolute' or 'relative'. Enter 'help seek' for an example.")
	}

	rawInteger, extra, ok := nextToken(arguments)
	if !ok {
		return nil, errors.New("Missing offset/position to seek to. Enter 'help seek' for an explanation.")
	}
	offset, err := strconv.ParseInt(rawInteger, 0, 64)
	if err != nil {
		return nil, errors.Errorf("Invalid offset/position: '%s' %s.", rawInteger, explain(rawInteger, err))
	}

	if err := rejectAdditionalTokens(extra, "help seek"); err != nil {
		return nil, err
	}

	switch strings.ToLower(mode) {
	case "absolute":
		return Seek{Mode: SeekAbsolute, Offset: offset}, nil
	case "relative":
		return Seek{Mode: SeekRelative, Offset: offset}, nil
	default:
		return nil, errors.Errorf("Unknown seek mode: '%s'. Enter 'help seek' for a list of seek modes.", mode)
	}
}

func parseFind(s string) (Command, error) {
	mode, remainder, ok := nextToken(s)
	if !ok {
		return nil, errors.New("Missing find mode: 'nonzero', 'bytes', or 'string'. Enter 'help find' for an example.")
	}

	switch strings.ToLower(mode) {
	case "nonzero":
		if err := rejectAdditionalTokens(remainder, "help find nonzero"); err != nil {
			return nil, err
		}
		return Find{Mode: FindNonZero}, nil
	case "bytes":
		b, err := parseBytes(remainder)
		if err != nil {
			return nil, err
		}
		return Find{Mode: FindBytes, Bytes: b}, nil
	case "string":
		pattern, err := parseString(remainder)
		if err != nil {
			return nil, err
		}
		return Find{Mode: FindString, Pattern: pattern}, nil
	default:
		return nil, errors.Errorf("Unknown find mode: '%s'. Enter 'help find' for a list of find modes.", mode)
	}
}

// parseBytes accepts `0 5 3`, `[0, 5, 3]` and hex strings like `0x1f2e`.
func parseBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return nil, errors.Errorf("Unterminated byte list: '%s'. Enter 'help find bytes' for an example.", s)
		}
		s = s[1 : len(s)-1]
	}

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(tokens) == 0 {
		return nil, errors.New("Missing bytes to find. Enter 'help find bytes' for an example.")
	}

	var pattern []byte
	for _, token := range tokens {
		if len(token) > 2 && (token[:2] == "0x" || token[:2] == "0X") {
			b, err := parseHex(token)
			if err != nil {
				return nil, err
			}
			pattern = append(pattern, b...)
			continue
		}

		v, err := strconv.ParseUint(token, 10, 8)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return nil, errors.Errorf("Invalid byte: '%s' must be between 0 and 255.", token)
			}
			return nil, errors.Errorf("Invalid byte: '%s' %s.", token, explain(token, err))
		}
		pattern = append(pattern, byte(v))
	}
	return pattern, nil
}

func parseHex(token string) ([]byte, error) {
	digits := token[2:]
	if len(digits)%2 != 0 {
		digits = "0" + digits
	}
	b := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(digits[i:i+2], 16, 8)
		if err != nil {
			return nil, errors.Errorf("Invalid hex bytes: '%s' is not a valid hex number.", token)
		}
		b = append(b, byte(v))
	}
	return b, nil
}

// parseString accepts regular expression, optionally enclosed in double quotes.
func parseString(s string) (*regexp.Regexp, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return nil, errors.New("Missing string to find. Enter 'help find string' for an example.")
	}

	pattern, err := regexp.Compile(s)
	if err != nil {
		return nil, errors.Errorf("Invalid regular expression: '%s': %s.", s, err)
	}
	return pattern, nil
}

func parsePrint(s string) (Command, error) {
	rawInteger, extra, ok := nextToken(s)
	if !ok {
		return nil, errors.New("Missing number of bytes to print. Enter 'help print' for an example.")
	}
	count, err := strconv.ParseInt(rawInteger, 0, 64)
	if err != nil {
		return nil, errors.Errorf("Invalid number of bytes: '%s' %s.", rawInteger, explain(rawInteger, err))
	}
	if count < 0 {
		return nil, errors.New("The number of bytes to print must be non-negative.")
	}

	if err := rejectAdditionalTokens(extra, "help print"); err != nil {
		return nil, err
	}
	return Print{Count: uint64(count)}, nil
}

func parseConfig(s string) (Command, error) {
	rawKey, remainder, ok := nextToken(s)
	if !ok {
		return Config{}, nil
	}

	key := ConfigKey(strings.ToLower(rawKey))
	if !isConfigKey(key) {
		return nil, errors.Errorf("Unknown config option: '%s'. Enter 'help config' for a list of options.", rawKey)
	}

	rawValue, extra, ok := nextToken(remainder)
	if !ok {
		return Config{Key: key}, nil
	}
	value, err := strconv.ParseUint(rawValue, 0, 64)
	if err != nil {
		if strings.HasPrefix(rawValue, "-") {
			return nil, errors.Errorf("Invalid value of '%s': '%s' must be non-negative.", key, rawValue)
		}
		return nil, errors.Errorf("Invalid value of '%s': '%s' %s.", key, rawValue, explain(rawValue, err))
	}

	if err := rejectAdditionalTokens(extra, "help config"); err != nil {
		return nil, err
	}
	return Config{Key: key, Value: value, HasValue: true}, nil
}

func isConfigKey(key ConfigKey) bool {
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

func parseHelp(s string) (Command, error) {
	topic := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if _, exists := helpTexts[Topic(topic)]; !exists {
		return nil, errors.Errorf("Unknown help topic: '%s'. Enter 'help' for a list of commands.", strings.TrimSpace(s))
	}
	return Help{Topic: Topic(topic)}, nil
}

// nextToken splits the string at the first token. It returns false if there are no tokens.
func nextToken(s string) (string, string, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", false
	}
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i], s[i:], true
	}
	return s, "", true
}

func explain(token string, err error) string {
	switch {
	case errors.Is(err, strconv.ErrRange) && strings.HasPrefix(token, "-"):
		return "is too small and overflowed"
	case errors.Is(err, strconv.ErrRange):
		return "is too large and overflowed"
	default:
		return "is not a valid number"
	}
}

func rejectAdditionalTokens(remainder, help string) error {
	if extra := strings.TrimSpace(remainder); extra != "" {
		return errors.Errorf("Unexpected extra parameter: '%s'. Enter '%s' for an explanation.", extra, help)
	}
	return nil
}
