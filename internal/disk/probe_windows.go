//go:build windows

package disk

import "golang.org/x/sys/windows"

func probe(path string) (Usage, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if err := windows.GetDiskFreeSpaceEx(p, &u.Avail, &u.Total, &u.Free); err != nil {
		return Usage{}, err
	}
	return u, nil
}
