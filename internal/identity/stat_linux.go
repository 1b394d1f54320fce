package identity

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func statImage(path string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Attr{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return Attr{
		Serial: st.Ino,
		Mount:  mountLabel(st.Dev),
		Setuid: st.Mode&unix.S_ISUID != 0,
		Setgid: st.Mode&unix.S_ISGID != 0,
	}, nil
}

// mountLabel resolves the mount point path of the filesystem holding dev.
// Falls back to the device number rendered as a string when the mount table
// cannot be read; the label only needs to be stable, not meaningful.
func mountLabel(dev uint64) string {
	want := fmt.Sprintf("%d:%d", unix.Major(dev), unix.Minor(dev))

	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "dev:" + want
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// 36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		if fields[2] == want {
			return unescapeMount(fields[4])
		}
	}
	return "dev:" + want
}

// unescapeMount decodes the octal escapes mountinfo uses for spaces, tabs
// and newlines in mount point paths.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			v := 0
			ok := true
			for j := 1; j <= 3; j++ {
				c := s[i+j]
				if c < '0' || c > '7' {
					ok = false
					break
				}
				v = v*8 + int(c-'0')
			}
			if ok {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
