package model_test

import (
	"testing"

	"github.com/CZERTAINLY/partest/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseUnit(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		index    int
		then     model.Unit
	}{
		{"alias", "unit:pytest -m unit", 0, model.Unit{Name: "unit", Shell: "pytest -m unit"}},
		{"no alias", "pytest -m unit", 1, model.Unit{Name: "unit2", Shell: "pytest -m unit"}},
		{"colon in command", "sh -c 'echo a:b'", 2, model.Unit{Name: "unit3", Shell: "sh -c 'echo a:b'"}},
		{"spaces around", "  e2e :  make e2e ", 0, model.Unit{Name: "e2e", Shell: "make e2e"}},
		{"tab before colon", "lint\t:make lint", 0, model.Unit{Name: "lint", Shell: "make lint"}},
		{"spaces inside alias", "e2e tests: make e2e", 4, model.Unit{Name: "unit5", Shell: "e2e tests: make e2e"}},
		{"blank alias", "  :make", 0, model.Unit{Name: "unit1", Shell: ":make"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			u, err := model.ParseUnit(tt.given, tt.index)
			require.NoError(t, err)
			require.Equal(t, tt.then, u)
		})
	}

	t.Run("empty", func(t *testing.T) {
		_, err := model.ParseUnit("  ", 0)
		require.Error(t, err)
		_, err = model.ParseUnit("alias:", 0)
		require.EqualError(t, err, "unit alias: empty command")
	})
}

func TestArgv(t *testing.T) {
	t.Parallel()
	u := model.Unit{Name: "a", Command: []string{"pytest"}}
	require.Equal(t, []string{"pytest"}, u.Argv())

	u.Filter = "slow and not flaky"
	u.FilterFlag = "-k"
	require.Equal(t, []string{"pytest", "-k", "slow and not flaky"}, u.Argv())
	require.Equal(t, []string{"pytest"}, u.Command, "Argv must not modify Command")

	s := model.Unit{Name: "b", Shell: "pytest tests", Filter: "it's"}
	require.Equal(t, []string{"sh", "-c", `pytest tests -m 'it'\''s'`}, s.Argv())
}

func TestEnviron(t *testing.T) {
	t.Setenv("PARTEST_TEST_HOME", "/home/partest")
	u := model.Unit{Env: map[string]string{
		"ZZ":   "last",
		"HOME": "$PARTEST_TEST_HOME",
		"MODE": "ci",
	}}
	require.Equal(t, []string{
		"PATH=/bin",
		"HOME=/home/partest",
		"MODE=ci",
		"ZZ=last",
	}, u.Environ([]string{"PATH=/bin"}))
}
