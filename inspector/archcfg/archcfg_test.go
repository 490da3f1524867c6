package archcfg

import (
	"os"
	"path"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ArchCfgSuite struct{}

func TestArchCfg(t *testing.T) {
	suite.RunTests(t, &ArchCfgSuite{})
}

func (ArchCfgSuite) TestDefaultProfile(t *testing.T) {
	profile := AMD64()

	expect.Nil(t, profile.Validate())
	expect.Equal(t, ".plt", profile.StubSection)
	expect.Equal(t, ".got.plt", profile.TableSection)
	expect.Equal(t, uint64(16), profile.StubStride)
	expect.Equal(t, uint64(6), profile.DispatchWidth)
	expect.Equal(t, 4, profile.LoaderStepBudget)
	expect.Equal(t, "rax", profile.ReturnRegister)
	expect.True(t, len(profile.WatchedSections) > 0)
}

func (ArchCfgSuite) TestLoadProfileOverride(t *testing.T) {
	content := `
name: custom
return_register: x0
loader_step_budget: 6
`
	profilePath := path.Join(t.TempDir(), "profile.yaml")
	err := os.WriteFile(profilePath, []byte(content), 0644)
	expect.Nil(t, err)

	profile, err := LoadProfile(profilePath)
	expect.Nil(t, err)

	expect.Equal(t, "custom", profile.Name)
	expect.Equal(t, "x0", profile.ReturnRegister)
	expect.Equal(t, 6, profile.LoaderStepBudget)

	// Unspecified fields keep their amd64 defaults.
	expect.Equal(t, ".plt", profile.StubSection)
	expect.Equal(t, uint64(16), profile.StubStride)
}

func (ArchCfgSuite) TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(path.Join(t.TempDir(), "absent.yaml"))
	expect.Error(t, err, "failed to read profile")
}

func (ArchCfgSuite) TestLoadProfileRejectsInvalid(t *testing.T) {
	content := `
stub_section: ""
`
	profilePath := path.Join(t.TempDir(), "profile.yaml")
	err := os.WriteFile(profilePath, []byte(content), 0644)
	expect.Nil(t, err)

	_, err = LoadProfile(profilePath)
	expect.Error(t, err, "no stub section")
}
