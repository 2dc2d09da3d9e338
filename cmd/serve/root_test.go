package serve

import "testing"

func TestProcessConfigDerivesLogLevelFromVerbosity(t *testing.T) {
	if err := ServeCmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags() = %v", err)
	}
	if err := processConfig(ServeCmd, nil); err != nil {
		t.Fatalf("processConfig() = %v", err)
	}
	if serveCmdConfig.Port != 11211 {
		t.Fatalf("Port = %d, want 11211", serveCmdConfig.Port)
	}
	if serveCmdConfig.MegaBytes != 64 {
		t.Fatalf("MegaBytes = %d, want 64", serveCmdConfig.MegaBytes)
	}
	if serveCmdConfig.Threads != 4 {
		t.Fatalf("Threads = %d, want 4", serveCmdConfig.Threads)
	}
	if serveCmdConfig.LogLevel != "warning" {
		t.Fatalf("LogLevel = %q, want warning at verbosity 0", serveCmdConfig.LogLevel)
	}
}

func TestProcessConfigExplicitLogLevelOverridesVerbosity(t *testing.T) {
	if err := ServeCmd.ParseFlags([]string{"-vvv", "--log-level=error"}); err != nil {
		t.Fatalf("ParseFlags() = %v", err)
	}
	if err := processConfig(ServeCmd, nil); err != nil {
		t.Fatalf("processConfig() = %v", err)
	}
	if serveCmdConfig.LogLevel != "error" {
		t.Fatalf("LogLevel = %q, want error despite -vvv", serveCmdConfig.LogLevel)
	}
}
