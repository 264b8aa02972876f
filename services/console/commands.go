package console

import (
	"strconv"
	"strings"

	"github.com/google/shlex"

	"qifan-go/errcode"
	"qifan-go/registry"
)

// Handler executes operator commands against the param and log
// registries. Every call returns one or more reply lines; the last line
// starts with "ok" or "err".
type Handler struct {
	Params *registry.Registry
	Logs   *registry.Registry
}

const helpText = "ok commands: get <group.name> | set <group.name> <int> | log <group.name> | list [params|logs] | help"

// Exec runs one command line.
func (h *Handler) Exec(line string) []string {
	args, err := shlex.Split(line)
	if err != nil {
		return errLine(errcode.InvalidParams)
	}
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "help", "?":
		return []string{helpText}
	case "get":
		if len(args) != 2 {
			return errLine(errcode.InvalidParams)
		}
		return h.get(h.Params, args[1])
	case "log":
		if len(args) != 2 {
			return errLine(errcode.InvalidParams)
		}
		return h.get(h.Logs, args[1])
	case "set":
		if len(args) != 3 {
			return errLine(errcode.InvalidParams)
		}
		return h.set(args[1], args[2])
	case "list":
		which := "params"
		if len(args) > 1 {
			which = args[1]
		}
		switch which {
		case "params":
			return list(h.Params)
		case "logs":
			return list(h.Logs)
		}
		return errLine(errcode.InvalidParams)
	default:
		return errLine(errcode.Unsupported)
	}
}

func (h *Handler) get(r *registry.Registry, name string) []string {
	id := r.Lookup(name)
	if !id.Valid() {
		return errLine(errcode.UnknownParam)
	}
	v, err := r.Get(id)
	if err != nil {
		return errLine(errcode.Of(err))
	}
	return []string{okLine(name, v)}
}

func (h *Handler) set(name, val string) []string {
	id := h.Params.Lookup(name)
	if !id.Valid() {
		return errLine(errcode.UnknownParam)
	}
	v, err := strconv.ParseInt(val, 0, 64)
	if err != nil {
		return errLine(errcode.InvalidParams)
	}
	if err := h.Params.Set(id, v); err != nil {
		return errLine(errcode.Of(err))
	}
	stored, _ := h.Params.Get(id)
	return []string{okLine(name, stored)}
}

func list(r *registry.Registry) []string {
	infos := r.List()
	out := make([]string, 0, len(infos)+1)
	for _, in := range infos {
		line := in.FullName() + " " + in.Type.String() + " " + strconv.FormatInt(in.Value, 10)
		if in.ReadOnly {
			line += " ro"
		}
		out = append(out, line)
	}
	return append(out, "ok "+strconv.Itoa(len(infos)))
}

func okLine(name string, v int64) string {
	return "ok " + name + " " + strconv.FormatInt(v, 10)
}

func errLine(c errcode.Code) []string { return []string{"err " + string(c)} }
