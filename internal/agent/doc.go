// Package agent knows which ACP agents the reviewer can launch and how to
// run one as a subprocess.
//
// # Registry
//
// Candidates and Resolve describe the built-in agents (codex, claude and
// gemini). Each can be pointed at a different binary or npm package through
// ATR_<AGENT>_ACP_BIN / ATR_<AGENT>_ACP_PACKAGE (ATR_GEMINI_BIN for gemini).
//
// # Processes
//
// StartProcess launches the agent in its own process group so that Kill
// also reaches the MCP tool server the agent spawns:
//
//	p, err := agent.StartProcess(agent.ProcessOptions{Command: c.Command, Args: c.Args})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
package agent
