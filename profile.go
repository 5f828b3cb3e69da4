package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// profiling starts the CPU profile and execution trace for the non-empty paths,
// and returns a function that stops them and writes the heap profile.
func profiling(cpupath, mempath, tracepath string) func() {
	var stops []func()

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "starting cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		})
	}

	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "creating trace file")
		err = trace.Start(f)
		xcheckf(err, "starting trace")
		stops = append(stops, func() {
			trace.Stop()
			err := f.Close()
			xcheckf(err, "closing trace file")
		})
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("closing memory profile: %v", err)
			}
		}()
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}
