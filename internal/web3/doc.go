// Package web3 定义市场与外部结算网络交互的统一抽象。
// 所有托管资金的进出都通过单一的 Transferor 能力完成。
package web3
