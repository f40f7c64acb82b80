package pipeline

// usermsg.go translates technical errors into user-facing messages with
// support codes. Raw transport errors never reach the operator; when a user
// reports a code, support can map it back to the matching pattern here.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so more specific patterns come before general ones.

import "strings"

// UserMessage provides user-friendly error information with actionable
// guidance.
type UserMessage struct {
	Message string `json:"message"` // what happened
	Action  string `json:"action"`  // what to do about it
	Code    string `json:"code"`    // support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Remote store errors (RMT001-RMT099)
	{
		pattern: "existence check failed",
		msg: UserMessage{
			Message: "Could not verify records against the central registry",
			Action:  "Nothing was committed. Please try again in a few moments",
			Code:    "RMT001",
		},
	},
	{
		pattern: "remote store unavailable",
		msg: UserMessage{
			Message: "The central registry is not responding",
			Action:  "Rows not yet submitted were kept pending. Try again later",
			Code:    "RMT002",
		},
	},
	{
		pattern: "already exists",
		msg: UserMessage{
			Message: "A record with this national id already exists",
			Action:  "Review the conflicting rows before committing",
			Code:    "RMT003",
		},
	},

	// File errors (FILE001-FILE099)
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "The file exceeds the 10 MB limit",
			Action:  "Split the sheet into smaller files",
			Code:    "FILE001",
		},
	},
	{
		pattern: "unsupported file type",
		msg: UserMessage{
			Message: "Only .csv and .xlsx files can be imported",
			Action:  "Export the sheet in a supported format",
			Code:    "FILE002",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file has no data rows",
			Action:  "Check that the sheet contains rows below the header",
			Code:    "FILE003",
		},
	},
	{
		pattern: "decode",
		msg: UserMessage{
			Message: "The file could not be read as a spreadsheet",
			Action:  "Re-export the file and try again",
			Code:    "FILE004",
		},
	},

	// Batch errors (BAT001-BAT099)
	{
		pattern: "batch not found",
		msg: UserMessage{
			Message: "This import session has expired",
			Action:  "Upload the file again to start a new batch",
			Code:    "BAT001",
		},
	},
	{
		pattern: "too many concurrent batches",
		msg: UserMessage{
			Message: "Too many imports are running right now",
			Action:  "Wait a moment and try again",
			Code:    "BAT002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The import was cancelled",
			Action:  "Rows already committed remain committed",
			Code:    "BAT003",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The operation timed out",
			Action:  "Try again with a smaller file or check your connection",
			Code:    "BAT004",
		},
	},
}

// defaultUserMessage is the fallback when no pattern matches.
var defaultUserMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// ToUserMessage maps an error to its user-facing message.
func ToUserMessage(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.msg
		}
	}
	return defaultUserMessage
}
