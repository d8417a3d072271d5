package bootwatch

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is how long Watch waits after the first change notification
// before re-running the simulation, coalescing the burst of writes a linker
// or archive tool produces into one run.
const debounce = 200 * time.Millisecond

// Watch runs one simulation immediately, then re-runs it every time
// cfg.KernelELF or cfg.Initramfs changes on disk, calling onResult after
// each run. It blocks until stop is closed.
func Watch(cfg *Config, onResult func(Result), stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(cfg.KernelELF); err != nil {
		return err
	}
	if cfg.Initramfs != "" {
		if err := w.Add(cfg.Initramfs); err != nil {
			return err
		}
	}

	onResult(Run(cfg))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onResult(Run(cfg))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
