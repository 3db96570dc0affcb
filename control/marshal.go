package control

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scriptlink/scriptlink/wire"
)

// failureKinds maps diagnostic tags to failure variant constructors.
// Unmatched tags fall back to the generic Error variant; nothing in this
// registry can crash the dispatcher.
var failureKinds = map[string]func(fields []string) error{
	wire.TagFuncNotFound: func(f []string) error {
		return &FuncNotFoundError{Name: field(f, 0)}
	},
	wire.TagUnsupportedValue: func(f []string) error {
		return &wire.UnsupportedValueError{Reason: strings.Join(f, " ")}
	},
	wire.TagUnexpectedSender: func(f []string) error {
		return &UnexpectedSenderError{Expected: field(f, 0), Received: field(f, 1)}
	},
	wire.TagUserException: func(f []string) error {
		return userErrorFromFields(f)
	},
}

// warningKinds maps diagnostic tags to warning variant constructors.
var warningKinds = map[string]func(fields []string) Warning{
	wire.TagWarning: func(f []string) Warning {
		return &GenericWarning{Tag: wire.TagWarning, Message: strings.Join(f, " ")}
	},
	wire.TagLossOfPrecision: func(f []string) Warning {
		v, _ := strconv.ParseFloat(field(f, 0), 64)
		return &LossOfPrecisionWarning{Value: v, Text: field(f, 1)}
	},
	wire.TagNewlineNormalized: func(f []string) Warning {
		return &NewlineNormalizedWarning{Detail: strings.Join(f, " ")}
	},
}

// marshaller interprets diagnostic payloads: failures become call errors,
// warnings go to the warning handler, and user-failure line numbers are
// remapped past the injected preamble.
type marshaller struct {
	log           *zap.SugaredLogger
	warn          func(Warning)
	preambleLines int
	scriptFile    string
}

// interpret maps a diagnostic payload to the failure it represents, or nil
// for an empty payload or one that only carried a warning.
func (m *marshaller) interpret(diag string) error {
	if diag == "" {
		return nil
	}
	parts := strings.Split(diag, string(wire.Separator))
	tag, fields := parts[0], parts[1:]

	if ctor, ok := failureKinds[tag]; ok {
		err := ctor(fields)
		if ue, ok := err.(*UserError); ok {
			return m.finishUserError(ue, fields)
		}
		return err
	}
	if ctor, ok := warningKinds[tag]; ok {
		m.warn(ctor(fields))
		return nil
	}
	m.log.Debugw("diagnostic with unregistered tag", "Tag", tag)
	return &Error{Tag: tag, Message: strings.Join(fields, " ")}
}

func (m *marshaller) finishUserError(ue *UserError, fields []string) error {
	if ue.incomplete {
		m.warn(&CaughtNonExceptionWarning{Fields: fields})
	}
	ue.Line -= m.preambleLines
	if m.scriptFile != "" {
		ue.File = m.scriptFile
	}
	if ue.Message == wire.MainThreadViolationCode {
		ue.Message = "0x8001010D: an outgoing call cannot be made while the worker is dispatching an input-synchronous call"
		return &MainThreadRequiredError{Cause: ue}
	}
	return ue
}

// userErrorFromFields builds a UserError from the wire record, flagging
// structurally incomplete ones instead of trusting them.
func userErrorFromFields(f []string) *UserError {
	ue := &UserError{
		Message:    field(f, 0),
		What:       field(f, 1),
		Extra:      field(f, 2),
		File:       field(f, 3),
		incomplete: len(f) < 5,
	}
	if lineText := field(f, 4); lineText != "" {
		line, err := strconv.Atoi(lineText)
		if err != nil {
			ue.incomplete = true
		}
		ue.Line = line
	}
	return ue
}

func field(f []string, i int) string {
	if i < len(f) {
		return f[i]
	}
	return ""
}
