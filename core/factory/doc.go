// Package factory provides a small generic registry used to build pluggable
// modules (metrics sinks, monitor stores) from configuration. A module is a
// type string plus a map of raw settings decoded into the module's own struct.
//
//	reg := factory.NewRegistry[monitor.Store]()
//	reg.Register("sqlite", func(conf map[string]any) (monitor.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return store.NewSQLiteStore(c.Path)
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "sqlite", Conf: map[string]any{"path": "rows.db"}})
package factory
