/*
Package netLayer contains definitions in network layer AND transport layer.

本包有 Addr, dns 解析, tcp/udp 拨号与监听, sockopt, proxy protocol, 双向转发(relay) 等相关功能。

要控制tcp/udp拨号的细节时，也要在此包里实现.
*/
package netLayer
