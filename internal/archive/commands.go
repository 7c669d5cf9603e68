package archive

import (
	"fmt"
	"strings"
)

// Commands renders the remote shell commands the pipeline runs through the channel.
type Commands interface {
	// Compress packs the contents of root into archive.
	Compress(root, archive string) string
	// Extract unpacks archive into dest, creating dest if needed.
	Extract(archive, dest string) string
}

// TarCommands drives a POSIX shell with GNU or BSD tar on the remote host.
type TarCommands struct{}

func (TarCommands) Compress(root, archive string) string {
	return fmt.Sprintf("tar -czf %s -C %s .", Quote(archive), Quote(root))
}

func (TarCommands) Extract(archive, dest string) string {
	return fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", Quote(dest), Quote(archive), Quote(dest))
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
