package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

func (sc *StoreConfig) check() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return fmt.Errorf("error inspecting path %s: %w", sc.Path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(sc.Path)
	if err != nil {
		return fmt.Errorf("error reading disk usage for %s: %w", sc.Path, err)
	}

	availableGB := usage.Free / (1024 * 1024 * 1024)
	if int(availableGB) < sc.MinimumFreeGB {
		return errors.New("not enough space available on disk")
	}

	return nil
}

func (k *KeyValStore) logDiskUsage() {
	usage, err := disk.Usage(k.config.Path)
	if err != nil {
		k.log.WithField("path", k.config.Path).Warnf("could not read disk usage: %v", err)
		return
	}

	k.log.WithFields(logrus.Fields{
		"path":       k.config.Path,
		"total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
	}).Info("store opened")
}
