package client

import (
	"fmt"

	"github.com/mitchmitchell/elke27/internal/routes"
)

// RegisterDefaultRoutes registers every command key this repository
// knows how to build and, where paging applies, which list field to
// accumulate (spec §4.3 RequestTable, §4.9 Bootstrap).
func RegisterDefaultRoutes(table *routes.Table) {
	table.Register(routes.Route{Domain: "control", Verb: "get_version_info"}, nil)
	table.Register(routes.Route{Domain: "system", Verb: "r_u_alive"}, nil)

	table.Register(routes.Route{Domain: "area", Verb: "set_status"}, buildAreaSetStatus)
	table.Register(routes.Route{Domain: "area", Verb: "status"}, nil)
	table.Register(routes.Route{Domain: "output", Verb: "set_status"}, buildOutputSetStatus)
	table.Register(routes.Route{Domain: "output", Verb: "status"}, nil)

	table.Register(routes.Route{Domain: "area", Verb: "get_table_info"}, nil)
	table.Register(routes.Route{Domain: "zone", Verb: "get_table_info"}, nil)
	table.Register(routes.Route{Domain: "output", Verb: "get_table_info"}, nil)
	table.Register(routes.Route{Domain: "tstat", Verb: "get_table_info"}, nil)
	table.Register(routes.Route{Domain: "zone", Verb: "get_defs"}, nil)
	table.Register(routes.Route{Domain: "zone", Verb: "status"}, nil)

	table.RegisterPaged(routes.Route{Domain: "area", Verb: "get_configured"}, "areas")
	table.RegisterPaged(routes.Route{Domain: "zone", Verb: "get_configured"}, "zones")
	table.RegisterPaged(routes.Route{Domain: "output", Verb: "get_configured"}, "outputs")
	table.RegisterPaged(routes.Route{Domain: "user", Verb: "get_configured"}, "users")
}

// buildAreaSetStatus produces {"area_id": int, "Chime": bool} from
// named args area_id/chime — the capitalized Chime field is a hard
// requirement, confirmed byte-for-byte against the original
// implementation's area_set_status test.
func buildAreaSetStatus(args map[string]any) (map[string]any, error) {
	areaID, err := intArg(args, "area_id")
	if err != nil {
		return nil, err
	}
	chime, _ := args["chime"].(bool)
	return map[string]any{"area_id": areaID, "Chime": chime}, nil
}

func buildOutputSetStatus(args map[string]any) (map[string]any, error) {
	outputID, err := intArg(args, "output_id")
	if err != nil {
		return nil, err
	}
	active, _ := args["active"].(bool)
	return map[string]any{"output_id": outputID, "active": active}, nil
}

func intArg(args map[string]any, name string) (int, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("client: missing required argument %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("client: argument %q has unexpected type %T", name, v)
	}
}
