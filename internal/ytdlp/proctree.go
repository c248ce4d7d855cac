package ytdlp

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// processTree returns pid followed by all of its descendants, breadth first.
// yt-dlp hands merging and conversion to ffmpeg children, which would
// otherwise survive the parent and keep the output pipe open.
func processTree(pid int) ([]*process.Process, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	tree := []*process.Process{root}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].Children()
		if err != nil {
			continue
		}
		tree = append(tree, children...)
	}
	return tree, nil
}

// signalTree sends SIGTERM (or SIGKILL when kill is set) to pid and its
// descendants. Only a failure to signal the root is reported.
func signalTree(pid int, kill bool) error {
	tree, err := processTree(pid)
	if err != nil {
		return err
	}
	var errs []error
	for i, p := range tree {
		if kill {
			err = p.Kill()
		} else {
			err = p.Terminate()
		}
		if err != nil && i == 0 {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
