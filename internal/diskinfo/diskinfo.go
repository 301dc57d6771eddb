// Package diskinfo reports capacity of the filesystem holding a path.
package diskinfo

import (
	"errors"

	"github.com/dustin/go-humanize"
)

var ErrUnsupported = errors.New("disk usage not supported on this platform")

type Usage struct {
	Total      uint64  `json:"total"`
	Free       uint64  `json:"free"`
	Used       uint64  `json:"used"`
	Percent    float64 `json:"percent"`
	TotalHuman string  `json:"totalHuman"`
	FreeHuman  string  `json:"freeHuman"`
	UsedHuman  string  `json:"usedHuman"`
}

// For returns usage of the filesystem containing path. Free is the space
// available to unprivileged users.
func For(path string) (Usage, error) {
	total, free, avail, err := statfs(path)
	if err != nil {
		return Usage{}, err
	}
	return compute(total, free, avail), nil
}

func compute(total, free, avail uint64) Usage {
	used := total - min(free, total)
	u := Usage{
		Total:      total,
		Free:       avail,
		Used:       used,
		TotalHuman: humanize.Bytes(total),
		FreeHuman:  humanize.Bytes(avail),
		UsedHuman:  humanize.Bytes(used),
	}
	// Matches df: used / (used + available).
	if denom := used + avail; denom > 0 {
		u.Percent = float64(int(float64(used)/float64(denom)*1000+0.5)) / 10
	}
	return u
}
