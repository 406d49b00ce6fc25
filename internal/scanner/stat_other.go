//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package scanner

import "os"

func fileOwnership(fi os.FileInfo) (uid, gid uint32, mtimeNS int64) {
	return 0, 0, fi.ModTime().UnixNano()
}
