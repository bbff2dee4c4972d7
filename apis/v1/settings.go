package v1

// SettingsKind is the only accepted value of Settings.Kind.
const SettingsKind = "Settings"

// Settings configures the archive backends and the default operation policies.
// Every field is optional; a missing settings file behaves like an empty one.
type Settings struct {
	Kind string `yaml:"kind" json:"kind" validate:"omitempty,eq=Settings"`

	Tar     TarSettings     `yaml:"tar" json:"tar"`
	ISO     ISOSettings     `yaml:"iso" json:"iso"`
	Add     AddSettings     `yaml:"add" json:"add"`
	Extract ExtractSettings `yaml:"extract" json:"extract"`
	Filters FilterSettings  `yaml:"filters" json:"filters"`

	// Encryption unlocks password-protected rar and 7z archives.
	Encryption *EncryptionSettings `yaml:"encryption,omitempty" json:"encryption,omitempty"`

	// TempDir is the parent of the scratch directories archives are rewritten through.
	// Defaults to "$TMPDIR".
	TempDir string `yaml:"tempDir,omitempty" json:"tempDir,omitempty" template:""`
}

// TarSettings configures the tar backend.
type TarSettings struct {
	// Program is the GNU-compatible tar executable. Defaults to "tar".
	Program string `yaml:"program,omitempty" json:"program,omitempty" template:""`
	// Timeout bounds every archiver and filter invocation, e.g. "10m". Empty means no limit.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ISOSettings configures the iso backend.
type ISOSettings struct {
	// Program is the libarchive tar executable that reads disc images. Defaults to "bsdtar".
	Program string `yaml:"program,omitempty" json:"program,omitempty" template:""`
}

type AddSettings struct {
	// ReplaceOnlyWithNewer keeps archive members that are not older than the file being added.
	ReplaceOnlyWithNewer bool `yaml:"replaceOnlyWithNewer" json:"replaceOnlyWithNewer"`
}

type ExtractSettings struct {
	// Overwrite replaces existing files in the destination.
	Overwrite bool `yaml:"overwrite" json:"overwrite"`
	// PreservePermissions applies the stored permission bits to extracted files.
	PreservePermissions bool `yaml:"preservePermissions" json:"preservePermissions"`
	// PreservePaths keeps member directories. Defaults to "true".
	PreservePaths *bool `yaml:"preservePaths,omitempty" json:"preservePaths,omitempty"`
	// AutoSubfolder extracts archives without a single top-level folder into a new folder.
	AutoSubfolder bool `yaml:"autoSubfolder" json:"autoSubfolder"`
	// Concurrency is the number of archives a batch extraction processes at once. Defaults to "2".
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"omitempty,min=1,max=64"`
}

type FilterSettings struct {
	// PreferEmbedded uses the built-in codecs even when the external filter program is installed.
	PreferEmbedded bool `yaml:"preferEmbedded" json:"preferEmbedded"`
	// Programs overrides the filter program per mime type. Overridden programs decompress with "-d".
	Programs map[string]string `yaml:"programs,omitempty" json:"programs,omitempty" template:"" validate:"omitempty,dive,keys,required,endkeys,required"`
}

type EncryptionSettings struct {
	// Password is tried for every encrypted archive, e.g. "${ARK_PASSWORD}".
	Password string `yaml:"password" json:"password" validate:"required" template:""`
}
