// Package launcher discovers plugins and launches them as supervised processes.
//
// # Plugin layout
//
// Each plugin lives in its own directory under a plugins root:
//
//	plugins/
//	  echo/
//	    module.json
//	    main.py
//
// module.json names the entry point relative to the plugin directory:
//
//	{
//	  "name": "echo",
//	  "entry_point": "main.py",
//	  "interpreter": "python3",
//	  "args": ["--port", "9000"],
//	  "env": {"LOG_LEVEL": "debug"},
//	  "restart_on_crash": true,
//	  "grace_period": "5s",
//	  "isolation": "limited",
//	  "resources": {"max_memory_mb": 256, "max_open_files": 1024}
//	}
//
// A manifest without an entry point is rejected with INVALID_MANIFEST and the
// plugin is skipped; the loader never guesses one.
//
// # Usage
//
//	registry := launcher.NewRegistry("./plugins")
//	if err := registry.Discover(); err != nil {
//	    return err
//	}
//
//	loader := launcher.NewLoader(sandbox.NewProcessRunner(sandbox.WithPIDDir(pidDir)))
//	sup := procmgr.NewSupervisor()
//	if err := loader.RegisterAll(sup, registry.List()); err != nil {
//	    slog.Warn("some plugins were not registered", "error", err)
//	}
//	return sup.Start(ctx)
//
// Start functions produced by Loader.StartFunc re-read module.json on every
// restart. Registry.Watch reloads the registry when manifests change.
//
// # Errors
//
// Failures are *LauncherError values carrying a code, context and an
// actionable suggestion:
//
//	if launcher.CodeOf(err) == launcher.ErrorCodeEntryNotFound {
//	    fmt.Println(launcher.SuggestionOf(err))
//	}
package launcher
