// Package archcfg holds the per-architecture constants the inspection
// engine must not hard-code: stub layout, the loader narration step
// budget, the return-value register, and the loader entry point symbol
// names. A profile can be overridden from a yaml file.
package archcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	Name string `yaml:"name"`

	// Section holding the lazy-binding stubs of the primary module.
	StubSection string `yaml:"stub_section"`

	// Section holding the indirection-table slots the stubs jump through.
	TableSection string `yaml:"table_section"`

	// Sections shown in the section-layout view.
	WatchedSections []string `yaml:"watched_sections"`

	// Symbols with this prefix are compiler-reserved and skipped when
	// scanning the stub section.
	ReservedPrefix string `yaml:"reserved_prefix"`

	// Distance between consecutive stubs, used when instruction decoding
	// fails for a stub symbol.
	StubStride uint64 `yaml:"stub_stride"`

	// Width of the stub's first dispatch instruction. A single step that
	// advances the pc by exactly this much means the jump fell through to
	// the push/jmp pair that invokes the loader.
	DispatchWidth uint64 `yaml:"dispatch_width"`

	// Number of single steps narrated while the loader trampoline runs.
	LoaderStepBudget int `yaml:"loader_step_budget"`

	// Register carrying an integer return value at function exit.
	ReturnRegister string `yaml:"return_register"`

	LoaderOpenSymbol  string `yaml:"loader_open_symbol"`
	LoaderSymSymbol   string `yaml:"loader_sym_symbol"`
	LoaderCloseSymbol string `yaml:"loader_close_symbol"`
}

// AMD64 returns the default profile for x86-64 System V targets.
func AMD64() Profile {
	return Profile{
		Name:              "amd64",
		StubSection:       ".plt",
		TableSection:      ".got.plt",
		WatchedSections:   []string{".plt", ".text", ".got", ".got.plt", ".data"},
		ReservedPrefix:    "__",
		StubStride:        16,
		DispatchWidth:     6,
		LoaderStepBudget:  4,
		ReturnRegister:    "rax",
		LoaderOpenSymbol:  "dlopen",
		LoaderSymSymbol:   "dlsym",
		LoaderCloseSymbol: "dlclose",
	}
}

// LoadProfile reads a yaml profile and merges it over the amd64 default.
// Zero-valued fields in the file keep their defaults.
func LoadProfile(path string) (Profile, error) {
	profile := AMD64()

	content, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	err = yaml.Unmarshal(content, &profile)
	if err != nil {
		return profile, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	err = profile.Validate()
	if err != nil {
		return profile, err
	}

	return profile, nil
}

func (profile Profile) Validate() error {
	if profile.StubSection == "" {
		return fmt.Errorf("profile %s: no stub section", profile.Name)
	}
	if profile.StubStride == 0 {
		return fmt.Errorf("profile %s: zero stub stride", profile.Name)
	}
	if profile.DispatchWidth == 0 {
		return fmt.Errorf("profile %s: zero dispatch width", profile.Name)
	}
	if profile.LoaderStepBudget <= 0 {
		return fmt.Errorf("profile %s: non-positive loader step budget", profile.Name)
	}
	if profile.ReturnRegister == "" {
		return fmt.Errorf("profile %s: no return-value register", profile.Name)
	}
	return nil
}
