package subscriber

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event names emitted by the settler contract.
const (
	EventOpened    = "CrossChainOrderOpened"
	EventFilled    = "CrossChainOrderFilled"
	EventCancelled = "CrossChainOrderCancelled"
)

const settlerABI = `[
	{"type":"event","name":"CrossChainOrderOpened","anonymous":false,"inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"solver","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"CrossChainOrderFilled","anonymous":false,"inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"solver","type":"address","indexed":true},
		{"name":"fillAmount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"CrossChainOrderCancelled","anonymous":false,"inputs":[
		{"name":"orderId","type":"bytes32","indexed":true},
		{"name":"user","type":"address","indexed":true}
	]}
]`

// SettlerABI parses the built-in settler event ABI.
func SettlerABI() (*abi.ABI, error) {
	a, err := abi.JSON(strings.NewReader(settlerABI))
	if err != nil {
		return nil, fmt.Errorf("parse settler abi: %w", err)
	}
	return &a, nil
}

// LoadABI returns the built-in ABI when path is empty, otherwise the ABI
// found at path (a JSON file or a directory of them) that declares all
// three settler events.
func LoadABI(path string) (*abi.ABI, error) {
	if path == "" {
		return SettlerABI()
	}
	abis, err := LoadABIs([]string{path})
	if err != nil {
		return nil, err
	}
	for _, a := range abis {
		if hasSettlerEvents(a) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("abi %s: no file declares %s, %s and %s", path, EventOpened, EventFilled, EventCancelled)
}

// LoadABIs loads ABI JSON files from the provided files or directories.
func LoadABIs(paths []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, root := range paths {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := abi.JSON(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = &a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

func hasSettlerEvents(a *abi.ABI) bool {
	for _, name := range []string{EventOpened, EventFilled, EventCancelled} {
		if _, ok := a.Events[name]; !ok {
			return false
		}
	}
	return true
}
