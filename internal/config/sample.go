package config

// Sample is the starter configuration written by `intent-indexer init`. It
// watches the Across origin settler contracts on Arbitrum and Base.
const Sample = `version: 1

global:
  db_driver: sqlite
  db_dsn: ./intents.db
  protocol: ERC-7683
  intent_type: Cross-Chain Swap
  max_write_attempts: 5
  drain_timeout: 10s
  connect_timeout: 15s
  queue_size: 256
  backoff:
    initial: 1s
    max: 60s
    multiplier: 2
    max_attempts: 10

chains:
  - name: Arbitrum
    chain_id: 42161
    rpc_url: wss://arbitrum-one-rpc.publicnode.com
    contract_address: "0xB0B07055F214Ce59ccb968663d3435B9f3294998"
    start_block: latest-100
  - name: Base
    chain_id: 8453
    rpc_url: wss://base.publicnode.com
    contract_address: "0x4afb570AC68BfFc26Bb02FdA3D801728B0f93C9E"
    start_block: latest-100

# notifiers:
#   - id: ops
#     type: slack
#     webhook_url: https://hooks.slack.com/services/REPLACE_ME
`
