package qsync

import "fmt"

type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// Kind is the logical resource a directive moves.
type Kind string

const (
	KindModels Kind = "models"
	KindInput  Kind = "input"
	KindOutput Kind = "output"
	KindLogs   Kind = "logs"
)

// DeletePolicy controls what happens to objects present only on the destination side.
type DeletePolicy string

const (
	// Mirror makes the destination a faithful copy of the source.
	Mirror DeletePolicy = "mirror"
	// Additive pushes new and changed files and never deletes.
	Additive DeletePolicy = "additive"
)

// Directive is one transfer. Exactly one of Prefix or Key is set:
//   - Prefix: a tree under Prefix is synced with the directory Local.
//   - Key: a single object. For downloads Local is the destination directory
//     (the object keeps its base name); for uploads Local is the source file.
type Directive struct {
	Direction Direction
	Kind      Kind
	Policy    DeletePolicy
	Prefix    string
	Key       string
	Local     string
}

func (d Directive) String() string {
	remote := d.Prefix
	if d.Key != "" {
		remote = d.Key
	}
	return fmt.Sprintf("%s %s (%s) %s <-> %s", d.Direction, d.Kind, d.Policy, remote, d.Local)
}

// ModelsDownload mirrors the model prefix into dir.
func ModelsDownload(prefix, dir string) Directive {
	return Directive{Direction: Download, Kind: KindModels, Policy: Mirror, Prefix: prefix, Local: dir}
}

// InputDownload replaces the contents of dir with the single object key.
func InputDownload(key, dir string) Directive {
	return Directive{Direction: Download, Kind: KindInput, Policy: Mirror, Key: key, Local: dir}
}

// OutputUpload pushes dir to prefix without deleting remote-only objects.
func OutputUpload(dir, prefix string) Directive {
	return Directive{Direction: Upload, Kind: KindOutput, Policy: Additive, Prefix: prefix, Local: dir}
}

// LogsUpload pushes dir to prefix without deleting remote-only objects.
func LogsUpload(dir, prefix string) Directive {
	return Directive{Direction: Upload, Kind: KindLogs, Policy: Additive, Prefix: prefix, Local: dir}
}

// LogFileUpload pushes a single log file to key.
func LogFileUpload(path, key string) Directive {
	return Directive{Direction: Upload, Kind: KindLogs, Policy: Additive, Key: key, Local: path}
}
