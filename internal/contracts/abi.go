// Package contracts carries the ABIs of the deployed POWER.HORSE contracts
// the service talks to.
package contracts

// BondingCurveABI covers the quote, status and buy entry points.
const BondingCurveABI = `[
  {"type":"function","name":"getBuyPrice","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"cost","type":"uint256"},{"name":"fee","type":"uint256"}]},
  {"type":"function","name":"isGraduated","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getCurrentPrice","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"buy","stateMutability":"payable",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"maxCost","type":"uint256"},{"name":"deadline","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"buyWithToken","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"paymentToken","type":"address"},
             {"name":"amount","type":"uint256"},{"name":"maxCost","type":"uint256"},
             {"name":"deadline","type":"uint256"}],
   "outputs":[]}
]`

// FactoryABI maps horse ids to their share tokens.
const FactoryABI = `[
  {"type":"function","name":"getHorseToken","stateMutability":"view",
   "inputs":[{"name":"horseId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"isValidHorse","stateMutability":"view",
   "inputs":[{"name":"horseId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`
