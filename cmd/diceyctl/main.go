// diceyctl is a thin interactive client: dial a dicey server, issue a
// single Get/Set/Exec, print the result, and exit -- or, with -watch,
// stay connected and print Signal events as they arrive.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dicey-ipc/dicey/client"
	"github.com/dicey-ipc/dicey/dicey"
	"github.com/dicey-ipc/dicey/wire"
)

var (
	fSocket  = flag.String("socket", "/tmp/dicey.sock", "path (or platform transport name) to connect to")
	fOp      = flag.String("op", "get", "operation: get, set, or exec")
	fPath    = flag.String("path", "", "object path")
	fTrait   = flag.String("trait", "", "trait name")
	fElem    = flag.String("elem", "", "element name")
	fType    = flag.String("type", "unit", "value type: unit, bool, byte, i64, u64, str, path")
	fValue   = flag.String("value", "", "value literal, interpreted per -type")
	fWatch   = flag.Bool("watch", false, "stay connected and print Signal events instead of exiting")
	fTimeout = flag.Duration("timeout", 5*time.Second, "request timeout")
)

func main() {
	flag.Parse()

	if *fPath == "" || *fTrait == "" || *fElem == "" {
		fmt.Fprintln(os.Stderr, "diceyctl: -path, -trait and -elem are required")
		os.Exit(2)
	}

	op, err := parseOp(*fOp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "diceyctl:", err)
		os.Exit(2)
	}

	val, err := parseValue(*fType, *fValue)
	if err != nil {
		fmt.Fprintln(os.Stderr, "diceyctl:", err)
		os.Exit(2)
	}

	c := client.New(func(ev client.Event) {
		switch ev.Kind {
		case client.EventSignal:
			fmt.Printf("signal %s %s -> %s\n", ev.Path, ev.Sel, formatValue(ev.Value))
		case client.EventServerBye:
			fmt.Println("diceyctl: server closed the connection")
			if !*fWatch {
				os.Exit(0)
			}
		case client.EventError:
			fmt.Fprintln(os.Stderr, "diceyctl: connection error:", ev.Err)
			os.Exit(1)
		}
	})

	if err := c.Connect(*fSocket); err != nil {
		fmt.Fprintln(os.Stderr, "diceyctl: connect:", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	sel := wire.Selector{Trait: *fTrait, Element: *fElem}
	result, err := c.Request(op, *fPath, sel, val, *fTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "diceyctl:", err)
		os.Exit(1)
	}
	fmt.Println(formatValue(result))

	if *fWatch {
		select {}
	}
}

func parseOp(s string) (dicey.Op, error) {
	switch s {
	case "get":
		return dicey.OpGet, nil
	case "set":
		return dicey.OpSet, nil
	case "exec":
		return dicey.OpExec, nil
	default:
		return 0, dicey.Errorf(dicey.EInval, "unknown op %q", s)
	}
}

func parseValue(typ, lit string) (wire.Value, error) {
	switch typ {
	case "unit":
		return wire.Unit(), nil
	case "bool":
		b, err := strconv.ParseBool(lit)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.BoolV(b), nil
	case "byte":
		b, err := strconv.ParseUint(lit, 0, 8)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.ByteV(byte(b)), nil
	case "i64":
		i, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.Int64V(i), nil
	case "u64":
		u, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.UInt64V(u), nil
	case "str":
		return wire.StrV(lit), nil
	case "path":
		return wire.PathV(lit), nil
	default:
		return wire.Value{}, dicey.Errorf(dicey.EInval, "unknown value type %q", typ)
	}
}

// formatValue renders a response value well enough for terminal
// output; it does not attempt to round-trip arbitrary nested trees,
// only the shapes diceyctl itself can send plus the common composite
// ones a server is likely to reply with.
func formatValue(v wire.Value) string {
	switch v.Tag {
	case wire.TUnit:
		return "()"
	case wire.TBool:
		return strconv.FormatBool(v.Bool)
	case wire.TByte:
		return strconv.Itoa(int(v.Byte))
	case wire.TFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case wire.TI16:
		return strconv.FormatInt(int64(v.I16), 10)
	case wire.TI32:
		return strconv.FormatInt(int64(v.I32), 10)
	case wire.TI64:
		return strconv.FormatInt(v.I64, 10)
	case wire.TU16:
		return strconv.FormatUint(uint64(v.U16), 10)
	case wire.TU32:
		return strconv.FormatUint(uint64(v.U32), 10)
	case wire.TU64:
		return strconv.FormatUint(v.U64, 10)
	case wire.TUUID:
		return v.UUID.String()
	case wire.TBytes:
		return hex.EncodeToString(v.Bytes)
	case wire.TStr, wire.TPath:
		return v.Str
	case wire.TSelector:
		return v.Sel.String()
	case wire.TError:
		return fmt.Sprintf("error(%s: %s)", v.Err.Code, v.Err.Message)
	case wire.TPair:
		return "(" + formatValue(v.Elems[0]) + ", " + formatValue(v.Elems[1]) + ")"
	case wire.TTuple, wire.TArray:
		out := "["
		for i, e := range v.Elems {
			if i > 0 {
				out += ", "
			}
			out += formatValue(e)
		}
		return out + "]"
	default:
		return fmt.Sprintf("<%s>", v.Tag)
	}
}
