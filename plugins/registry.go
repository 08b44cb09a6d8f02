package plugins

import (
	"fmt"
	"strings"

	"github.com/interceptd/interceptd/plugin"
)

// Build resolves an ordered list of plugin identifiers into constructors.
// An identifier is "name" or "name=argument":
//
//	accesslog            default slog access-log sink
//	urlfilter=rules.json deny list loaded from a JSON file
//	decoder              response body decompression observer
//	mongolog=mongodb://… MongoDB access-log sink
//
// Order is preserved; it defines rewrite precedence.
func Build(identifiers []string) ([]plugin.Constructor, error) {
	ctors := make([]plugin.Constructor, 0, len(identifiers))
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		name, arg, _ := strings.Cut(id, "=")
		ctor, err := build(name, arg)
		if err != nil {
			return nil, err
		}
		ctors = append(ctors, ctor)
	}
	return ctors, nil
}

func build(name, arg string) (plugin.Constructor, error) {
	switch name {
	case "accesslog":
		return AccessLog(), nil
	case "urlfilter":
		if arg == "" {
			return nil, fmt.Errorf("plugins: urlfilter requires a rules file")
		}
		return NewURLFilterFromFile(arg)
	case "decoder":
		return Decoder(), nil
	case "mongolog":
		if arg == "" {
			return nil, fmt.Errorf("plugins: mongolog requires a connection URI")
		}
		return NewMongoLog(arg)
	default:
		return nil, fmt.Errorf("plugins: unknown plugin %q", name)
	}
}
