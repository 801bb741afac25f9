// Package cli provides shell completion and terminal output helpers for dwsctl.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BashCompletion is the bash completion script for dwsctl.
const BashCompletion = `#!/bin/bash
# Bash completion for dwsctl

_dwsctl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="nodes stateful workers dns wait-leader sweep audit migrate token completion version help"

    local nodes_cmds="list get rm down unreachable"
    local stateful_cmds="deploy list get scale rm"
    local workers_cmds="deploy list get scale rm catalogue"
    local dns_cmds="query resolve records watch"
    local migrate_cmds="up down version"

    local global_flags="-server -token -q -config -timeout"

    case "${prev}" in
        nodes)
            COMPREPLY=( $(compgen -W "${nodes_cmds}" -- ${cur}) )
            return 0
            ;;
        stateful)
            COMPREPLY=( $(compgen -W "${stateful_cmds}" -- ${cur}) )
            return 0
            ;;
        workers)
            COMPREPLY=( $(compgen -W "${workers_cmds}" -- ${cur}) )
            return 0
            ;;
        dns)
            COMPREPLY=( $(compgen -W "${dns_cmds}" -- ${cur}) )
            return 0
            ;;
        migrate)
            COMPREPLY=( $(compgen -W "${migrate_cmds}" -- ${cur}) )
            return 0
            ;;
        query)
            COMPREPLY=( $(compgen -W "A SRV TXT LEADER" -- ${cur}) )
            return 0
            ;;
        -config)
            COMPREPLY=( $(compgen -f -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            return 0
            ;;
        *)
            ;;
    esac

    COMPREPLY=( $(compgen -W "${commands} ${global_flags}" -- ${cur}) )
    return 0
}

complete -F _dwsctl_completion dwsctl
`

// ZshCompletion is the zsh completion script for dwsctl.
const ZshCompletion = `#compdef dwsctl

_dwsctl() {
    local -a commands
    commands=(
        'nodes:Inspect and remove registered nodes'
        'stateful:Manage stateful services'
        'workers:Manage stateless workers'
        'dns:Query the discovery resolver'
        'wait-leader:Wait until a stateful service has a healthy leader'
        'sweep:Run one health sweep now'
        'audit:Show recent mutating API calls'
        'migrate:Apply or roll back the database schema'
        'token:Issue an API token'
        'completion:Generate shell completion script'
        'version:Show version information'
    )

    local -a dns_cmds
    dns_cmds=(
        'query:Run an A, SRV, TXT or LEADER query'
        'resolve:Pick one healthy endpoint'
        'records:List records'
        'watch:Stream discovery events'
    )

    local -a migrate_cmds
    migrate_cmds=(
        'up:Migrate to the latest version'
        'down:Roll back versions'
        'version:Show the applied version'
    )

    _arguments -C \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                nodes)
                    _values 'nodes command' list get rm down unreachable
                    ;;
                stateful)
                    _values 'stateful command' deploy list get scale rm
                    ;;
                workers)
                    _values 'workers command' deploy list get scale rm catalogue
                    ;;
                dns)
                    _describe 'dns command' dns_cmds
                    ;;
                migrate)
                    _describe 'migrate command' migrate_cmds
                    ;;
                completion)
                    _values 'shell' bash zsh fish
                    ;;
            esac
            ;;
    esac
}

_dwsctl "$@"
`

// FishCompletion is the fish completion script for dwsctl.
const FishCompletion = `# Fish completion for dwsctl

complete -c dwsctl -f -n "__fish_use_subcommand" -a "nodes" -d "Inspect and remove registered nodes"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "stateful" -d "Manage stateful services"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "workers" -d "Manage stateless workers"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "dns" -d "Query the discovery resolver"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "wait-leader" -d "Wait for a healthy leader"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "sweep" -d "Run one health sweep now"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "audit" -d "Show recent mutating API calls"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "migrate" -d "Apply or roll back the schema"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "token" -d "Issue an API token"
complete -c dwsctl -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion"

complete -c dwsctl -f -n "__fish_seen_subcommand_from nodes" -a "list get rm down unreachable"
complete -c dwsctl -f -n "__fish_seen_subcommand_from stateful" -a "deploy list get scale rm"
complete -c dwsctl -f -n "__fish_seen_subcommand_from workers" -a "deploy list get scale rm catalogue"
complete -c dwsctl -f -n "__fish_seen_subcommand_from dns" -a "query resolve records watch"
complete -c dwsctl -f -n "__fish_seen_subcommand_from migrate" -a "up down version"
complete -c dwsctl -f -n "__fish_seen_subcommand_from completion" -a "bash zsh fish"

complete -c dwsctl -o server -r -d "Control plane URL"
complete -c dwsctl -o token -r -d "Bearer token"
complete -c dwsctl -o q -r -d "gjson path applied to the response"
complete -c dwsctl -o config -r -d "Configuration file path"
`

func script(shell string) (string, error) {
	switch shell {
	case "bash":
		return BashCompletion, nil
	case "zsh":
		return ZshCompletion, nil
	case "fish":
		return FishCompletion, nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
}

// GenerateCompletion writes the completion script for shell to w.
func GenerateCompletion(w io.Writer, shell string) error {
	s, err := script(shell)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// InstallCompletion writes the completion script below home and returns the path.
func InstallCompletion(home, shell string) (string, error) {
	s, err := script(shell)
	if err != nil {
		return "", err
	}
	var installPath string
	switch shell {
	case "bash":
		installPath = filepath.Join(home, ".bash_completion.d", "dwsctl")
	case "zsh":
		installPath = filepath.Join(home, ".zsh", "completion", "_dwsctl")
	case "fish":
		installPath = filepath.Join(home, ".config", "fish", "completions", "dwsctl.fish")
	}
	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create completion directory: %w", err)
	}
	if err := os.WriteFile(installPath, []byte(s), 0o644); err != nil {
		return "", fmt.Errorf("failed to write completion script: %w", err)
	}
	return installPath, nil
}
