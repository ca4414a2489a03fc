// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package common

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// FormatHashRate sets the units properly when displaying a hashrate.
func FormatHashRate(h float64, unit string) string {
	if h > 1000000000000 {
		return fmt.Sprintf("%.2f T%s", h/1000000000000, unit)
	} else if h > 1000000000 {
		return fmt.Sprintf("%.2f G%s", h/1000000000, unit)
	} else if h > 1000000 {
		return fmt.Sprintf("%.2f M%s", h/1000000, unit)
	} else if h > 1000 {
		return fmt.Sprintf("%.2f k%s", h/1000, unit)
	} else if h == 0 {
		return fmt.Sprintf("0%s", unit)
	} else if h > 0 {
		return fmt.Sprintf("%.2f %s", h, unit)
	}

	return fmt.Sprintf("%.2f T%s", h, unit)
}

// FormatBytes renders a byte count with a binary unit suffix, used when
// reporting device memory requirements.
func FormatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func InArray(val interface{}, arr interface{}) bool {
	switch arr.(type) {
	case []string:
		for _, v := range arr.([]string) {
			if v == val {
				return true
			}
		}
	case []int:
		for _, v := range arr.([]int) {
			if v == val {
				return true
			}
		}
	}

	return false
}

func RandUint64() uint64 {
	return rand.Uint64()
}

func GetCurrentDir() string {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		// Fall back to the working directory if the executable path
		// cannot be resolved.
		return "."
	}
	return strings.Replace(dir, "\\", "/", -1)
}
