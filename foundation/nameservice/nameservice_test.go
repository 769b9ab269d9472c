package nameservice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seagullcoin/blockchain/foundation/nameservice"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_Lookup(t *testing.T) {
	t.Log("Given the need to give accounts friendly names.")
	{
		testID := 0

		path := filepath.Join(t.TempDir(), "accounts.json")
		if err := os.WriteFile(path, []byte(`{"SEAGULL1": "treasury", "miner": "fees"}`), 0600); err != nil {
			t.Fatalf("\t%s\tTest %d:\tShould be able to write the alias file: %v", failed, testID, err)
		}

		ns, err := nameservice.New(path)
		if err != nil {
			t.Fatalf("\t%s\tTest %d:\tShould be able to load the aliases: %v", failed, testID, err)
		}
		t.Logf("\t%s\tTest %d:\tShould be able to load the aliases.", success, testID)

		if ns.Lookup("SEAGULL1") != "treasury" || ns.Lookup("BOB") != "BOB" {
			t.Fatalf("\t%s\tTest %d:\tShould resolve known accounts and echo unknown ones.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould resolve known accounts and echo unknown ones.", success, testID)

		cpy := ns.Copy()
		cpy["SEAGULL1"] = "changed"
		if ns.Lookup("SEAGULL1") != "treasury" {
			t.Fatalf("\t%s\tTest %d:\tShould not expose the internal map.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould not expose the internal map.", success, testID)

		testID++
		ns, err = nameservice.New(filepath.Join(t.TempDir(), "missing.json"))
		if err != nil || len(ns.Copy()) != 0 {
			t.Fatalf("\t%s\tTest %d:\tShould start empty without a file: %v", failed, testID, err)
		}
		t.Logf("\t%s\tTest %d:\tShould start empty without a file.", success, testID)

		testID++
		bad := filepath.Join(t.TempDir(), "bad.json")
		os.WriteFile(bad, []byte(`{"BOB": ""}`), 0600)
		if _, err := nameservice.New(bad); err == nil {
			t.Fatalf("\t%s\tTest %d:\tShould refuse blank aliases.", failed, testID)
		}
		t.Logf("\t%s\tTest %d:\tShould refuse blank aliases.", success, testID)
	}
}
