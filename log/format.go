package log

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fatih/color"
)

var lvlColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.Faint),
}

const timeFormat = "2006-01-02T15:04:05-0700"

// TerminalFormat renders a Record for a console: level, timestamp, message,
// then key=value pairs, colourised when useColor is set. It does not check
// whether the output is a terminal itself; the package's init passes the
// isatty result.
func TerminalFormat(useColor bool) FormatFunc {
	return func(r *Record) []byte {
		var b bytes.Buffer

		lvl := r.Lvl.String()
		if useColor {
			if c, ok := lvlColor[r.Lvl]; ok {
				lvl = c.Sprint(lvl)
			}
		}

		fmt.Fprintf(&b, "%s[%s] %s", lvl, r.Time.Format(timeFormat), r.Msg)

		for i := 0; i < len(r.Ctx); i += 2 {
			k := formatValue(r.Ctx[i])
			v := formatValue(r.Ctx[i+1])
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
		if r.Call.Frame().Function != "" {
			fmt.Fprintf(&b, " caller=%s", r.Call)
		}
		b.WriteByte('\n')
		return b.Bytes()
	}
}

func formatValue(v interface{}) string {
	if v == nil {
		return "nil"
	}
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	value := reflect.ValueOf(v)
	if value.Kind() == reflect.Ptr && value.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%+v", v)
}

// JSONFormat renders a Record as a single line of JSON-ish key/value text.
// Kept minimal (no external encoder) since this module's only JSON need is
// diagnostic logging, not a wire format.
func JSONFormat() FormatFunc {
	return func(r *Record) []byte {
		var b bytes.Buffer
		fmt.Fprintf(&b, `{"t":%q,"lvl":%q,"msg":%q`, r.Time.Format(timeFormat), r.Lvl.String(), r.Msg)
		for i := 0; i < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, `,%q:%q`, formatValue(r.Ctx[i]), formatValue(r.Ctx[i+1]))
		}
		b.WriteString("}\n")
		return b.Bytes()
	}
}
