//go:build !(linux || darwin || freebsd || openbsd || netbsd)

package audit

func (l *Logger) checkDiskSpace() error {
	return nil
}
