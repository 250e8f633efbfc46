package command

// Topic is the help topic.
type Topic string

// Help topics.
const (
	TopicNone         Topic = ""
	TopicSeek         Topic = "seek"
	TopicSeekAbsolute Topic = "seek absolute"
	TopicSeekRelative Topic = "seek relative"
	TopicFind         Topic = "find"
	TopicFindNonZero  Topic = "find nonzero"
	TopicFindBytes    Topic = "find bytes"
	TopicFindString   Topic = "find string"
	TopicPrint        Topic = "print"
	TopicConfig       Topic = "config"
)

var helpTexts = map[Topic]string{
	TopicNone: `Commands:
  seek absolute|relative <offset>   move the cursor
  find nonzero                      move the cursor to the next nonzero byte
  find bytes <bytes>                move the cursor to the next occurrence of bytes
  find string <regex>               move the cursor to the next match of regular expression
  print <count>                     print count bytes starting at the cursor
  config [<option> [<value>]]       show or change settings used by the next scan
  help [<command>]                  show help
  exit                              leave the program`,
	TopicSeek: `seek absolute <position>
seek relative <offset>
  Moves the cursor. Position must be between 0 and the size of the device.
  Example: seek absolute 4096`,
	TopicSeekAbsolute: `seek absolute <position>
  Moves the cursor to the position counted from the beginning of the device.
  Example: seek absolute 0x1000`,
	TopicSeekRelative: `seek relative <offset>
  Moves the cursor by offset, which might be negative.
  Example: seek relative -512`,
	TopicFind: `find nonzero
find bytes <bytes>
find string <regex>
  Moves the cursor to the first match found at or after the cursor.`,
	TopicFindNonZero: `find nonzero
  Moves the cursor to the next nonzero byte. Sectors known to be empty are skipped using the index.`,
	TopicFindBytes: `find bytes <bytes>
  Moves the cursor to the next occurrence of the bytes.
  Examples: find bytes 0 5 3
            find bytes [0, 5, 3]
            find bytes 0x000503`,
	TopicFindString: `find string <regex>
  Moves the cursor to the next match of the regular expression.
  Example: find string "GPT PART"`,
	TopicPrint: `print <count>
  Prints count bytes starting at the cursor. Cursor is not moved.
  Example: print 256`,
	TopicConfig: `config
config <option>
config <option> <value>
  Shows or changes the settings. The index is rebuilt using new settings before it is used next time.
  Options:
    sector-size     size of the sector classified as empty or occupied: 1, 1024, 4096 or 16384
    gap-threshold   number of empty sectors closing the segment, 0 selects the default`,
}

// HelpText returns the help text for the topic.
func HelpText(topic Topic) string {
	return helpTexts[topic]
}
